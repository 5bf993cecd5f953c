package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"llmshield/internal/anonymize"
	"llmshield/internal/auth"
	"llmshield/internal/cache"
	"llmshield/internal/core"
	"llmshield/internal/dashboard"
	"llmshield/internal/pipeline"
	"llmshield/internal/ratelimit"
	"llmshield/internal/shielderr"
	"llmshield/internal/storage"
	"llmshield/internal/telemetry"
)

// ShieldDeps bundles the scan/anonymize/admission/auth services the
// control API exposes over HTTP, per §6's "Scan", "Anonymize", and
// "Auth" surfaces. All fields are optional: a nil field disables its
// endpoints (they respond 404 via the mux never registering them).
type ShieldDeps struct {
	InputPipeline  *pipeline.Pipeline
	OutputPipeline *pipeline.Pipeline
	Anonymizer     *anonymize.Anonymizer
	Deanonymizer   *anonymize.Deanonymizer
	ResultCache    *cache.ResultCache
	Admission      *ratelimit.Admission
	Auth           *auth.Service
	Telemetry      *telemetry.Provider // optional; nil uses a noop tracer
}

// SetShield wires the scan/anonymize/auth HTTP surface onto the control
// API's mux. Call once after New/NewWithAuth.
func (h *Handler) SetShield(deps ShieldDeps) {
	h.shield = &deps
	if h.dashboard != nil {
		h.dashboard.SetStatsProvider(h)
	}

	if deps.InputPipeline != nil {
		h.mux.HandleFunc("/scan/prompt", h.handleScanPrompt)
	}
	if deps.OutputPipeline != nil {
		h.mux.HandleFunc("/scan/output", h.handleScanOutput)
	}
	if deps.Anonymizer != nil {
		h.mux.HandleFunc("/anonymize", h.handleAnonymize)
	}
	if deps.Deanonymizer != nil {
		h.mux.HandleFunc("/deanonymize", h.handleDeanonymize)
	}
	if deps.Auth != nil {
		h.mux.HandleFunc("/control/keys", h.handleKeys)
		h.mux.HandleFunc("/control/keys/", h.handleKey)
	}
	if h.historyStore != nil && (deps.InputPipeline != nil || deps.OutputPipeline != nil) {
		h.mux.HandleFunc("/control/audit", h.handleAudit)
	}
}

// GatewayStats implements dashboard.StatsProvider, combining the scan
// result cache's hit-rate, the admission gate's allow/deny counters, and
// the policy engine's flagged-session count into the one payload the
// dashboard SPA polls. Any nil dependency reports as zero rather than
// panicking, since each surface is independently optional.
func (h *Handler) GatewayStats() dashboard.GatewayStats {
	var stats dashboard.GatewayStats

	if h.shield != nil && h.shield.ResultCache != nil {
		cs := h.shield.ResultCache.Stats()
		stats.CacheHits = cs.Hits
		stats.CacheMisses = cs.Misses
		stats.CacheHitRate = cs.HitRate()
	}

	if h.shield != nil && h.shield.Admission != nil {
		as := h.shield.Admission.Stats()
		stats.AdmissionOK = as.Allowed
		stats.AdmissionDenied = as.Denied
	}

	if h.policyEngine != nil {
		stats.FlaggedSessions = len(h.policyEngine.GetFlaggedSessions())
	}

	return stats
}

type scanRequest struct {
	Text      string `json:"text"`
	Prompt    string `json:"prompt,omitempty"` // for /scan/output, the originating prompt
	SessionID string `json:"session_id,omitempty"`
}

type scanResponse struct {
	IsValid       bool              `json:"is_valid"`
	SanitizedText string            `json:"sanitized_text"`
	RiskScore     float64           `json:"risk_score"`
	RiskFactors   []core.RiskFactor `json:"risk_factors,omitempty"`
	Entities      []core.Entity     `json:"entities,omitempty"`
	CacheHit      bool              `json:"cache_hit"`
}

func (h *Handler) handleScanPrompt(w http.ResponseWriter, r *http.Request) {
	h.handleScan(w, r, h.shield.InputPipeline, "prompt")
}

func (h *Handler) handleScanOutput(w http.ResponseWriter, r *http.Request) {
	h.handleScan(w, r, h.shield.OutputPipeline, "output")
}

// handleScan runs a scan pipeline in Sequential mode (honoring its
// configured short-circuit threshold) against the request text. cacheTag
// namespaces the result cache key so /scan/prompt and /scan/output never
// collide on identical text.
func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request, p *pipeline.Pipeline, cacheTag string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ctx := r.Context()
	tp := h.shield.Telemetry
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	ctx, span := tp.StartScanSpan(ctx, cacheTag)

	var cacheKey string
	if h.shield.ResultCache != nil {
		cacheKey = cache.HashKey(cacheTag + "\x00" + req.Text)
		if cached, ok := h.shield.ResultCache.Get(cacheKey); ok {
			tp.EndScanSpan(span, cached.IsValid, cached.RiskScore, true, nil)
			writeJSON(w, http.StatusOK, toScanResponse(cached, true))
			return
		}
	}

	vault := core.NewVault()
	result, err := p.ExecuteAggregated(ctx, pipeline.Sequential, req.Text, vault)
	tp.EndScanSpan(span, result.IsValid, result.RiskScore, false, err)
	if err != nil {
		writeScanError(w, err)
		return
	}

	if h.shield.ResultCache != nil {
		h.shield.ResultCache.Insert(cacheKey, result)
	}

	if h.historyStore != nil {
		h.saveScanAudit(req.SessionID, cacheTag, result, false)
		if !result.IsValid && req.SessionID != "" {
			h.recordViolationEvents(ctx, req.SessionID, cacheTag, result)
		}
	}

	writeJSON(w, http.StatusOK, toScanResponse(result, false))
}

func (h *Handler) saveScanAudit(sessionID, surface string, result core.ScanResult, cacheHit bool) {
	ids := make([]string, 0, len(result.RiskFactors))
	for _, f := range result.RiskFactors {
		ids = append(ids, f.ID)
	}
	record := storage.ScanAuditRecord{
		SessionID:   sessionID,
		Surface:     surface,
		IsValid:     result.IsValid,
		RiskScore:   result.RiskScore,
		RiskFactors: ids,
		CacheHit:    cacheHit,
	}
	if err := h.historyStore.SaveScanAudit(record); err != nil {
		slog.Warn("failed to persist scan audit record", "error", err)
	}
}

// recordViolationEvents appends one immutable events-table row per risk
// factor a failing scan turned up, so /control/events can answer "what
// tripped this session" without re-deriving it from scan_audit's packed
// risk_factors column.
func (h *Handler) recordViolationEvents(ctx context.Context, sessionID, surface string, result core.ScanResult) {
	for _, f := range result.RiskFactors {
		severity := string(f.Severity)
		data := storage.ViolationDetectedData{
			RuleName:    f.ID,
			Description: f.Description,
			Severity:    severity,
			Action:      surface,
		}
		if err := h.historyStore.RecordEvent(ctx, storage.EventViolationDetected, sessionID, severity, data); err != nil {
			slog.Warn("failed to record violation event", "error", err)
		}
	}
}

// handleAudit returns the most recent scan audit records, newest first.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.historyStore.ListScanAudit(limit)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "total": len(records)})
}

func toScanResponse(result core.ScanResult, cacheHit bool) scanResponse {
	return scanResponse{
		IsValid:       result.IsValid,
		SanitizedText: result.SanitizedText,
		RiskScore:     result.RiskScore,
		RiskFactors:   result.RiskFactors,
		Entities:      result.Entities,
		CacheHit:      cacheHit,
	}
}

func writeScanError(w http.ResponseWriter, err error) {
	writeJSON(w, shielderr.HTTPStatus(shielderr.KindOf(err)), map[string]string{"error": err.Error()})
}

type anonymizeRequest struct {
	Text string `json:"text"`
}

type anonymizeResponse struct {
	SessionID     string `json:"session_id"`
	SanitizedText string `json:"sanitized_text"`
	EntityCount   int    `json:"entity_count"`
}

// handleAnonymize allocates a fresh vault session, detects and replaces
// PII in the request text, and returns the session id callers must
// present to /deanonymize to recover the original values.
func (h *Handler) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req anonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	tp := h.shield.Telemetry
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	ctx, span := tp.StartAnonymizeSpan(r.Context(), "anonymize")
	result, err := h.shield.Anonymizer.Anonymize(ctx, req.Text)
	tp.EndAnonymizeSpan(span, len(result.Entities), err)
	if err != nil {
		writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, anonymizeResponse{
		SessionID:     result.SessionID,
		SanitizedText: result.AnonymizedText,
		EntityCount:   len(result.Entities),
	})
}

type deanonymizeRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type deanonymizeResponse struct {
	Text string `json:"text"`
}

func (h *Handler) handleDeanonymize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req deanonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	tp := h.shield.Telemetry
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	ctx, span := tp.StartAnonymizeSpan(r.Context(), "deanonymize")
	result, err := h.shield.Deanonymizer.Deanonymize(ctx, req.SessionID, req.Text)
	tp.EndAnonymizeSpan(span, result.RestoredCount, err)
	if err != nil {
		writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deanonymizeResponse{Text: result.RestoredText})
}

// handleKeys handles GET /control/keys (list) and POST /control/keys (create)
func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := h.shield.Auth.ListKeys(r.Context())
		if err != nil {
			writeScanError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "total": len(keys)})
	case http.MethodPost:
		var req auth.CreateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		resp, err := h.shield.Auth.CreateKey(r.Context(), req)
		if err != nil {
			writeScanError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKey handles GET/DELETE /control/keys/{id}
func (h *Handler) handleKey(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/control/keys/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		key, ok, err := h.shield.Auth.GetKey(r.Context(), id)
		if err != nil {
			writeScanError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
			return
		}
		writeJSON(w, http.StatusOK, key)
	case http.MethodDelete:
		if r.URL.Query().Get("revoke_only") == "true" {
			if err := h.shield.Auth.RevokeKey(r.Context(), id); err != nil {
				writeScanError(w, err)
				return
			}
		} else if err := h.shield.Auth.DeleteKey(r.Context(), id); err != nil {
			writeScanError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
