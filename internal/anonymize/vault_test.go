package anonymize

import (
	"context"
	"testing"
	"time"

	"llmshield/internal/core"
)

func TestMemoryVault_StoreAndGetMapping(t *testing.T) {
	v := NewMemoryVault()
	m := EntityMapping{
		SessionID:     "sess-1",
		Placeholder:   "[EMAIL_1]",
		EntityType:    core.EntityEmail,
		OriginalValue: "jane@example.com",
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	if err := v.StoreMapping(context.Background(), m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := v.GetMapping(context.Background(), "sess-1", "[EMAIL_1]")
	if err != nil || !ok {
		t.Fatalf("expected to retrieve the stored mapping, ok=%v err=%v", ok, err)
	}
	if got.OriginalValue != "jane@example.com" {
		t.Errorf("unexpected original value: %q", got.OriginalValue)
	}
}

func TestMemoryVault_GetMapping_Missing(t *testing.T) {
	v := NewMemoryVault()
	if _, ok, _ := v.GetMapping(context.Background(), "sess-1", "[EMAIL_1]"); ok {
		t.Error("expected a miss for an unknown mapping")
	}
}

func TestMemoryVault_GetMapping_ExpiredIsInvisible(t *testing.T) {
	v := NewMemoryVault()
	v.StoreMapping(context.Background(), EntityMapping{
		SessionID:   "sess-1",
		Placeholder: "[EMAIL_1]",
		CreatedAt:   time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	if _, ok, _ := v.GetMapping(context.Background(), "sess-1", "[EMAIL_1]"); ok {
		t.Error("expected an expired mapping to be invisible to GetMapping")
	}
}

func TestMemoryVault_DeleteMapping(t *testing.T) {
	v := NewMemoryVault()
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[EMAIL_1]", ExpiresAt: time.Now().Add(time.Hour)})
	v.DeleteMapping(context.Background(), "sess-1", "[EMAIL_1]")
	if _, ok, _ := v.GetMapping(context.Background(), "sess-1", "[EMAIL_1]"); ok {
		t.Error("expected mapping to be gone after DeleteMapping")
	}
}

func TestMemoryVault_GetSessionMappings_IsolatesSessions(t *testing.T) {
	v := NewMemoryVault()
	future := time.Now().Add(time.Hour)
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[EMAIL_1]", ExpiresAt: future})
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[PHONE_1]", ExpiresAt: future})
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-2", Placeholder: "[EMAIL_1]", ExpiresAt: future})

	mappings, err := v.GetSessionMappings(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mappings) != 2 {
		t.Errorf("expected 2 mappings for sess-1, got %d", len(mappings))
	}
}

func TestMemoryVault_DeleteSession_RemovesOnlyThatSession(t *testing.T) {
	v := NewMemoryVault()
	future := time.Now().Add(time.Hour)
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[EMAIL_1]", ExpiresAt: future})
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-2", Placeholder: "[EMAIL_1]", ExpiresAt: future})

	v.DeleteSession(context.Background(), "sess-1")

	if _, ok, _ := v.GetMapping(context.Background(), "sess-1", "[EMAIL_1]"); ok {
		t.Error("expected sess-1's mapping to be deleted")
	}
	if _, ok, _ := v.GetMapping(context.Background(), "sess-2", "[EMAIL_1]"); !ok {
		t.Error("expected sess-2's mapping to survive sess-1's deletion")
	}
}

func TestMemoryVault_CleanupExpired(t *testing.T) {
	v := NewMemoryVault()
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[EMAIL_1]", ExpiresAt: time.Now().Add(-time.Minute)})
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[PHONE_1]", ExpiresAt: time.Now().Add(time.Hour)})

	n, err := v.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired mapping removed, got %d", n)
	}
	if _, ok, _ := v.GetMapping(context.Background(), "sess-1", "[PHONE_1]"); !ok {
		t.Error("expected the non-expired mapping to survive cleanup")
	}
}

func TestMemoryVault_ListSessionIDs_SkipsExpiredOnly(t *testing.T) {
	v := NewMemoryVault()
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-1", Placeholder: "[EMAIL_1]", ExpiresAt: time.Now().Add(time.Hour)})
	v.StoreMapping(context.Background(), EntityMapping{SessionID: "sess-2", Placeholder: "[EMAIL_1]", ExpiresAt: time.Now().Add(-time.Hour)})

	ids, err := v.ListSessionIDs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("expected only the live session listed, got %v", ids)
	}
}

func TestEntityMapping_Expired(t *testing.T) {
	m := EntityMapping{ExpiresAt: time.Now().Add(-time.Second)}
	if !m.Expired(time.Now()) {
		t.Error("expected a past ExpiresAt to report Expired true")
	}
	m2 := EntityMapping{ExpiresAt: time.Now().Add(time.Hour)}
	if m2.Expired(time.Now()) {
		t.Error("expected a future ExpiresAt to report Expired false")
	}
}
