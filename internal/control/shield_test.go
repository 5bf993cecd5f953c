package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"llmshield/internal/anonymize"
	"llmshield/internal/auth"
	"llmshield/internal/cache"
	"llmshield/internal/core"
	"llmshield/internal/dashboard"
	"llmshield/internal/pipeline"
	"llmshield/internal/proxy"
	"llmshield/internal/ratelimit"
	"llmshield/internal/scanners"
	"llmshield/internal/session"
	"llmshield/internal/storage"
)

func newTestHandler(t *testing.T, historyStore *storage.SQLiteStore) *Handler {
	t.Helper()
	store := session.NewMemoryStore()
	manager := session.NewManager(store, 0)
	return NewWithHistory(store, manager, historyStore)
}

func banSubstringsPipeline(t *testing.T, substrings ...string) *pipeline.Pipeline {
	t.Helper()
	scanner, err := scanners.NewBanSubstrings(scanners.BanSubstringsConfig{Substrings: substrings})
	if err != nil {
		t.Fatalf("failed to build scanner: %v", err)
	}
	return pipeline.New().Add(scanner)
}

func TestHandleScanPrompt_Clean(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	body, _ := json.Marshal(scanRequest{Text: "a perfectly normal prompt"})
	req := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp scanResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.IsValid {
		t.Error("expected clean text to be valid")
	}
}

func TestHandleScanPrompt_Violation(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	body, _ := json.Marshal(scanRequest{Text: "this has forbidden content"})
	req := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp scanResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.IsValid {
		t.Error("expected banned content to be invalid")
	}
	if resp.CacheHit {
		t.Error("expected the first scan to be a cache miss")
	}
}

func TestHandleScanPrompt_CacheHit(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{
		InputPipeline: banSubstringsPipeline(t, "forbidden"),
		ResultCache:   cache.New(cache.DefaultConfig()),
	})

	body, _ := json.Marshal(scanRequest{Text: "same text every time"})

	req1 := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader(body))
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, req1)
	var resp1 scanResponse
	json.Unmarshal(w1.Body.Bytes(), &resp1)
	if resp1.CacheHit {
		t.Error("expected the first request to miss the cache")
	}

	req2 := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	var resp2 scanResponse
	json.Unmarshal(w2.Body.Bytes(), &resp2)
	if !resp2.CacheHit {
		t.Error("expected the second identical request to hit the cache")
	}
}

func TestHandleScanPrompt_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	req := httptest.NewRequest("GET", "/scan/prompt", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 405 {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandleScanPrompt_InvalidBody(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	req := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSetShield_NilDepsDisableEndpoints(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{}) // nothing wired

	req := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Errorf("expected /scan/prompt to 404 with no InputPipeline wired, got %d", w.Code)
	}
}

func TestHandleAnonymizeAndDeanonymize(t *testing.T) {
	h := newTestHandler(t, nil)
	vault := anonymize.NewMemoryVault()
	audit := anonymize.NewAuditLogger()
	anonymizer := anonymize.NewAnonymizer(anonymize.NewRegexDetector(), vault, audit)
	deanonymizer := anonymize.NewDeanonymizer(vault, audit)
	h.SetShield(ShieldDeps{Anonymizer: anonymizer, Deanonymizer: deanonymizer})

	body, _ := json.Marshal(anonymizeRequest{Text: "contact me at jane@example.com"})
	req := httptest.NewRequest("POST", "/anonymize", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var anonResp anonymizeResponse
	json.Unmarshal(w.Body.Bytes(), &anonResp)
	if anonResp.SessionID == "" {
		t.Fatal("expected a non-empty session ID")
	}

	deBody, _ := json.Marshal(deanonymizeRequest{SessionID: anonResp.SessionID, Text: anonResp.SanitizedText})
	deReq := httptest.NewRequest("POST", "/deanonymize", bytes.NewReader(deBody))
	deW := httptest.NewRecorder()
	h.ServeHTTP(deW, deReq)
	if deW.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", deW.Code, deW.Body.String())
	}

	var deResp deanonymizeResponse
	json.Unmarshal(deW.Body.Bytes(), &deResp)
	if deResp.Text != "contact me at jane@example.com" {
		t.Errorf("expected restored text to match the original, got %q", deResp.Text)
	}
}

func TestHandleDeanonymize_MissingSessionID(t *testing.T) {
	h := newTestHandler(t, nil)
	vault := anonymize.NewMemoryVault()
	audit := anonymize.NewAuditLogger()
	h.SetShield(ShieldDeps{
		Anonymizer:   anonymize.NewAnonymizer(anonymize.NewRegexDetector(), vault, audit),
		Deanonymizer: anonymize.NewDeanonymizer(vault, audit),
	})

	body, _ := json.Marshal(deanonymizeRequest{Text: "whatever"})
	req := httptest.NewRequest("POST", "/deanonymize", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Errorf("expected 400 for a missing session_id, got %d", w.Code)
	}
}

func TestHandleKeys_CreateAndList(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{Auth: auth.NewService(auth.NewMemoryKeyStorage())})

	createBody, _ := json.Marshal(auth.CreateKeyRequest{Name: "ci", Tier: ratelimit.TierFree})
	req := httptest.NewRequest("POST", "/control/keys", bytes.NewReader(createBody))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest("GET", "/control/keys", nil)
	listW := httptest.NewRecorder()
	h.ServeHTTP(listW, listReq)
	if listW.Code != 200 {
		t.Fatalf("expected 200, got %d", listW.Code)
	}
	var listResp map[string]interface{}
	json.Unmarshal(listW.Body.Bytes(), &listResp)
	if listResp["total"].(float64) != 1 {
		t.Errorf("expected 1 key listed, got %v", listResp["total"])
	}
}

func TestHandleKey_GetAndDelete(t *testing.T) {
	h := newTestHandler(t, nil)
	svc := auth.NewService(auth.NewMemoryKeyStorage())
	h.SetShield(ShieldDeps{Auth: svc})

	created, err := svc.CreateKey(context.Background(), auth.CreateKeyRequest{Name: "ci", Tier: ratelimit.TierFree})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	getReq := httptest.NewRequest("GET", "/control/keys/"+created.ID, nil)
	getW := httptest.NewRecorder()
	h.ServeHTTP(getW, getReq)
	if getW.Code != 200 {
		t.Fatalf("expected 200, got %d", getW.Code)
	}

	delReq := httptest.NewRequest("DELETE", "/control/keys/"+created.ID, nil)
	delW := httptest.NewRecorder()
	h.ServeHTTP(delW, delReq)
	if delW.Code != 204 {
		t.Fatalf("expected 204, got %d", delW.Code)
	}

	getReq2 := httptest.NewRequest("GET", "/control/keys/"+created.ID, nil)
	getW2 := httptest.NewRecorder()
	h.ServeHTTP(getW2, getReq2)
	if getW2.Code != 404 {
		t.Errorf("expected 404 after deletion, got %d", getW2.Code)
	}
}

func TestHandleAudit_ListsSavedRecords(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer store.Close()

	h := newTestHandler(t, store)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	body, _ := json.Marshal(scanRequest{Text: "this has forbidden content", SessionID: "sess-1"})
	req := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200 from scan, got %d", w.Code)
	}

	auditReq := httptest.NewRequest("GET", "/control/audit", nil)
	auditW := httptest.NewRecorder()
	h.ServeHTTP(auditW, auditReq)
	if auditW.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", auditW.Code, auditW.Body.String())
	}

	var resp map[string]interface{}
	json.Unmarshal(auditW.Body.Bytes(), &resp)
	if resp["total"].(float64) != 1 {
		t.Errorf("expected 1 audit record, got %v", resp["total"])
	}
}

func TestHandleScan_RecordsViolationEventOnFailingScan(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer store.Close()

	h := newTestHandler(t, store)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	body, _ := json.Marshal(scanRequest{Text: "this has forbidden content", SessionID: "sess-evt"})
	req := httptest.NewRequest("POST", "/scan/prompt", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200 from scan, got %d", w.Code)
	}

	events, err := store.ListEvents(storage.ListEventsOptions{SessionID: "sess-evt"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one violation event recorded for the failing scan")
	}
	if events[0].Type != storage.EventViolationDetected {
		t.Errorf("expected event type %q, got %q", storage.EventViolationDetected, events[0].Type)
	}
	if events[0].SessionID != "sess-evt" {
		t.Errorf("expected session id sess-evt, got %q", events[0].SessionID)
	}

	eventsReq := httptest.NewRequest("GET", "/control/events?session_id=sess-evt", nil)
	eventsW := httptest.NewRecorder()
	h.ServeHTTP(eventsW, eventsReq)
	if eventsW.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", eventsW.Code, eventsW.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(eventsW.Body.Bytes(), &resp)
	if resp["count"].(float64) < 1 {
		t.Errorf("expected at least 1 event via /control/events, got %v", resp["count"])
	}
}

func TestHandleCaptures_ReturnsBufferedEntriesForSession(t *testing.T) {
	h := newTestHandler(t, nil)
	cb := proxy.NewCaptureBuffer(1000, 10)
	h.SetCaptureBuffer(cb)

	cb.Capture("sess-cap", proxy.CapturedRequest{Method: "POST", Path: "/v1/chat", RequestBody: "hello"})
	cb.UpdateLastResponse("sess-cap", "world", 200)

	req := httptest.NewRequest("GET", "/control/captures/sess-cap", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["count"].(float64) != 1 {
		t.Errorf("expected 1 captured entry, got %v", resp["count"])
	}

	// Peeking must not consume the buffer.
	if !cb.HasContent("sess-cap") {
		t.Error("expected capture buffer to still hold content after a peek read")
	}
}

func TestGatewayStats_CombinesCacheAndAdmissionCounters(t *testing.T) {
	h := newTestHandler(t, nil)
	resultCache := cache.New(cache.Config{MaxSize: 10, TTL: time.Minute})
	admission := ratelimit.NewAdmission(ratelimit.NewQuotaTracker(), ratelimit.NewTokenBucketLimiter(), ratelimit.NewConcurrencyLimiter())
	h.SetShield(ShieldDeps{ResultCache: resultCache, Admission: admission})

	resultCache.Insert("k1", core.Pass("ok"))
	resultCache.Get("k1")
	resultCache.Get("missing")

	limits := ratelimit.Limits{PerMinute: 1, PerHour: 10, PerDay: 100, PerMonth: 1000}
	admission.CheckRateLimit("client-1", limits)
	admission.CheckRateLimit("client-1", limits)

	req := httptest.NewRequest("GET", "/api/dashboard-stats", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats dashboard.GatewayStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.AdmissionOK != 1 || stats.AdmissionDenied != 1 {
		t.Errorf("expected 1 allowed and 1 denied decision, got %+v", stats)
	}
}

func TestSetShield_NoHistoryStoreNoAuditEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SetShield(ShieldDeps{InputPipeline: banSubstringsPipeline(t, "forbidden")})

	req := httptest.NewRequest("GET", "/control/audit", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Errorf("expected /control/audit to 404 with no historyStore wired, got %d", w.Code)
	}
}
