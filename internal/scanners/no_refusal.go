package scanners

import (
	"context"
	"fmt"
	"strings"

	"llmshield/internal/core"
)

// RefusalSensitivity tunes how aggressively NoRefusal flags borderline
// phrasing.
type RefusalSensitivity string

const (
	SensitivityStrict RefusalSensitivity = "strict"
	SensitivityMedium RefusalSensitivity = "medium"
	SensitivityLoose  RefusalSensitivity = "loose"
)

// NoRefusalConfig configures NoRefusal.
type NoRefusalConfig struct {
	Threshold   float64
	Sensitivity RefusalSensitivity
}

// DefaultNoRefusalConfig mirrors the reference default: threshold 0.7,
// medium sensitivity.
func DefaultNoRefusalConfig() NoRefusalConfig {
	return NoRefusalConfig{Threshold: 0.7, Sensitivity: SensitivityMedium}
}

type refusalPattern struct {
	phrase     string
	confidence float64
	category   string
}

var directRefusals = []refusalPattern{
	{"i cannot", 0.95, "direct_refusal"},
	{"i can't", 0.95, "direct_refusal"},
	{"i'm unable to", 0.95, "direct_refusal"},
	{"i am unable to", 0.95, "direct_refusal"},
	{"i won't", 0.90, "direct_refusal"},
	{"i will not", 0.90, "direct_refusal"},
	{"i cannot help", 0.95, "direct_refusal"},
	{"i can't help", 0.95, "direct_refusal"},
	{"i cannot assist", 0.95, "direct_refusal"},
	{"i can't assist", 0.95, "direct_refusal"},
	{"i'm not able to", 0.90, "direct_refusal"},
	{"i am not able to", 0.90, "direct_refusal"},
}

var safetyRefusals = []refusalPattern{
	{"violates", 0.85, "safety_refusal"},
	{"against my guidelines", 0.90, "safety_refusal"},
	{"against my programming", 0.90, "safety_refusal"},
	{"against my policies", 0.90, "safety_refusal"},
	{"not appropriate", 0.80, "safety_refusal"},
	{"inappropriate", 0.75, "safety_refusal"},
	{"not ethical", 0.85, "safety_refusal"},
	{"unethical", 0.80, "safety_refusal"},
	{"harmful", 0.75, "safety_refusal"},
	{"dangerous", 0.75, "safety_refusal"},
}

var capabilityRefusals = []refusalPattern{
	{"not capable of", 0.80, "capability_refusal"},
	{"don't have the ability", 0.80, "capability_refusal"},
	{"beyond my capabilities", 0.85, "capability_refusal"},
	{"i'm just an ai", 0.70, "capability_refusal"},
	{"i'm only an ai", 0.70, "capability_refusal"},
	{"as an ai", 0.65, "capability_refusal"},
}

// NoRefusal detects over-cautious refusals in model output, per §the
// reference no_refusal.rs: direct, safety/policy, capability, and (at
// strict sensitivity) apology-based refusal language.
type NoRefusal struct {
	cfg NoRefusalConfig
}

// NewNoRefusal builds a NoRefusal scanner.
func NewNoRefusal(cfg NoRefusalConfig) *NoRefusal {
	return &NoRefusal{cfg: cfg}
}

func (s *NoRefusal) Name() string           { return "NoRefusal" }
func (s *NoRefusal) Type() core.ScannerType { return core.ScannerOutput }

func (s *NoRefusal) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	return s.ScanOutput(ctx, "", input, vault)
}

func (s *NoRefusal) ScanOutput(ctx context.Context, prompt, output string, vault *core.Vault) (core.ScanResult, error) {
	lower := strings.ToLower(output)
	var matches []refusalPattern

	for _, p := range directRefusals {
		if strings.Contains(lower, p.phrase) {
			matches = append(matches, p)
		}
	}

	hasRefusalLanguage := strings.Contains(lower, "cannot") || strings.Contains(lower, "can't") ||
		strings.Contains(lower, "won't") || strings.Contains(lower, "shouldn't")
	for _, p := range safetyRefusals {
		if strings.Contains(lower, p.phrase) && hasRefusalLanguage {
			matches = append(matches, p)
		}
	}

	if s.cfg.Sensitivity != SensitivityLoose {
		for _, p := range capabilityRefusals {
			if strings.Contains(lower, p.phrase) {
				matches = append(matches, p)
			}
		}
	}

	if s.cfg.Sensitivity == SensitivityStrict {
		apologetic := strings.Contains(lower, "sorry") || strings.Contains(lower, "apologize")
		unableLanguage := strings.Contains(lower, "cannot") || strings.Contains(lower, "can't") || strings.Contains(lower, "unable")
		if apologetic && unableLanguage {
			matches = append(matches, refusalPattern{"apology_refusal", 0.70, "apology_refusal"})
		}
	}

	score := 0.0
	for _, m := range matches {
		if m.confidence > score {
			score = m.confidence
		}
	}

	if score < s.cfg.Threshold {
		return core.Pass(output), nil
	}

	severity := core.SeverityLow
	if score >= 0.9 {
		severity = core.SeverityHigh
	} else if score >= 0.7 {
		severity = core.SeverityMedium
	}

	entities := make([]core.Entity, 0, len(matches))
	for _, m := range matches {
		entities = append(entities, core.Entity{
			Type:       core.EntityType("refusal_" + m.category),
			Text:       m.phrase,
			Confidence: m.confidence,
			Metadata:   map[string]string{"category": m.category},
		})
	}

	return core.ScanResult{
		SanitizedText: output,
		IsValid:       false,
		RiskScore:     score,
		RiskFactors: []core.RiskFactor{{
			ID:          "llm_refusal",
			Description: fmt.Sprintf("LLM refused to answer (detected %d pattern(s))", len(matches)),
			Severity:    severity,
			Score:       score,
		}},
		Entities: entities,
	}, nil
}
