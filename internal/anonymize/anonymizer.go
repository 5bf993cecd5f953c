package anonymize

import (
	"context"
	"time"

	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

// EntityDetector is the capability the Anonymizer consumes to find PII
// spans; *Detector satisfies it, but tests substitute a fixed-output
// stub the way the reference implementation's mock EntityDetector does.
type EntityDetector interface {
	Detect(ctx context.Context, text string) ([]core.Entity, error)
}

// DefaultVaultTTL is applied to every mapping written by Anonymize unless
// the Anonymizer is configured with a different TTL, capped implicitly
// by the caller's max_session_ttl policy.
const DefaultVaultTTL = 30 * time.Minute

// Anonymizer orchestrates detect -> resolve-overlaps -> allocate ->
// replace -> store, per §4.8.
type Anonymizer struct {
	detector EntityDetector
	store    VaultStore
	audit    *AuditLogger
	vaultTTL time.Duration
}

// NewAnonymizer builds an Anonymizer over the given detector and vault
// store, using DefaultVaultTTL for new mappings.
func NewAnonymizer(detector EntityDetector, store VaultStore, audit *AuditLogger) *Anonymizer {
	return &Anonymizer{detector: detector, store: store, audit: audit, vaultTTL: DefaultVaultTTL}
}

// WithVaultTTL overrides the TTL applied to mappings written by Anonymize.
func (a *Anonymizer) WithVaultTTL(ttl time.Duration) *Anonymizer {
	a.vaultTTL = ttl
	return a
}

// AnonymizeResult is the outcome of an Anonymize call.
type AnonymizeResult struct {
	AnonymizedText string
	SessionID      string
	Entities       []core.Entity
}

// Anonymize detects PII in text, replaces each span with a stable
// placeholder, and persists the placeholder -> original-value mapping
// under a freshly allocated session id.
//
// If the vault store fails partway through persisting mappings, already
// written mappings under this session id are deleted (a compensating
// delete_session) and the whole operation fails — per §4.8 step 6 and
// §4.15's vault-write-failure rule.
func (a *Anonymizer) Anonymize(ctx context.Context, text string) (AnonymizeResult, error) {
	entities, err := a.detector.Detect(ctx, text)
	if err != nil {
		return AnonymizeResult{}, err
	}

	if len(entities) == 0 {
		return AnonymizeResult{
			AnonymizedText: text,
			SessionID:      NewSessionID(),
			Entities:       nil,
		}, nil
	}

	resolved := ResolveOverlaps(entities)

	gen := NewPlaceholderGenerator()
	placeholders := make([]string, len(resolved))
	for i, e := range resolved {
		placeholders[i] = gen.Next(e.Type)
	}

	anonymizedText, err := ReplaceEntities(text, resolved, placeholders)
	if err != nil {
		return AnonymizeResult{}, err
	}

	now := time.Now()
	expiresAt := now.Add(a.vaultTTL)
	for i, e := range resolved {
		mapping := EntityMapping{
			SessionID:     gen.SessionID,
			Placeholder:   placeholders[i],
			EntityType:    e.Type,
			OriginalValue: e.Text,
			Confidence:    e.Confidence,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		}
		if err := a.store.StoreMapping(ctx, mapping); err != nil {
			_ = a.store.DeleteSession(ctx, gen.SessionID)
			return AnonymizeResult{}, shielderr.Wrap(shielderr.Transient, "vault store write failed", err)
		}
	}

	if a.audit != nil {
		a.audit.LogAnonymizeComplete(gen.SessionID, len(resolved))
	}

	return AnonymizeResult{
		AnonymizedText: anonymizedText,
		SessionID:      gen.SessionID,
		Entities:       resolved,
	}, nil
}
