package scanners

import (
	"context"
	"fmt"
	"regexp"

	"llmshield/internal/core"
)

// injectionPattern pairs a compiled regex with the category it signals.
type injectionPattern struct {
	re       *regexp.Regexp
	category string
	severity core.Severity
}

// defaultInjectionPatterns are the same OWASP LLM01 instruction-override
// and jailbreak regexes the policy engine's standard/strict presets use
// for content_match rules, promoted here into a dedicated scanner so the
// pipeline can run prompt-injection detection independent of the
// request/response policy engine.
var defaultInjectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`), "instruction_override", core.SeverityCritical},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|system)\s+(instructions|prompts)`), "instruction_override", core.SeverityCritical},
	{regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions|training|rules)`), "instruction_override", core.SeverityCritical},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|a\s+new|an?\s+unrestricted)`), "jailbreak", core.SeverityCritical},
	{regexp.MustCompile(`(?i)enable\s+(DAN|developer|jailbreak)\s+mode`), "jailbreak", core.SeverityCritical},
	{regexp.MustCompile(`(?i)jailbreak(ed)?\s+(mode|prompt|enabled)`), "jailbreak", core.SeverityCritical},
}

// PromptInjection flags OWASP LLM01-style instruction-override and
// jailbreak attempts in input text.
type PromptInjection struct {
	patterns []injectionPattern
}

// NewPromptInjection builds a PromptInjection scanner over the default
// pattern set.
func NewPromptInjection() *PromptInjection {
	return &PromptInjection{patterns: defaultInjectionPatterns}
}

func (s *PromptInjection) Name() string           { return "PromptInjection" }
func (s *PromptInjection) Type() core.ScannerType { return core.ScannerInput }

func (s *PromptInjection) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	var entities []core.Entity
	categories := make(map[string]bool)

	for _, p := range s.patterns {
		loc := p.re.FindStringIndex(input)
		if loc == nil {
			continue
		}
		categories[p.category] = true
		entities = append(entities, core.Entity{
			Type:       core.EntityType("prompt_injection_" + p.category),
			Text:       input[loc[0]:loc[1]],
			Start:      loc[0],
			End:        loc[1],
			Confidence: 0.95,
		})
	}

	if len(entities) == 0 {
		return core.Pass(input), nil
	}

	return core.ScanResult{
		SanitizedText: input,
		IsValid:       false,
		RiskScore:     0.95,
		RiskFactors: []core.RiskFactor{{
			ID:          "prompt_injection",
			Description: fmt.Sprintf("detected prompt injection across %d categor(ies)", len(categories)),
			Severity:    core.SeverityCritical,
			Score:       0.95,
		}},
		Entities: entities,
	}, nil
}
