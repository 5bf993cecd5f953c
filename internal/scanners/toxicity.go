package scanners

import (
	"context"
	"fmt"
	"sort"

	"llmshield/internal/core"
)

// ToxicityConfig configures Toxicity.
type ToxicityConfig struct {
	Threshold  float64
	Categories []string
}

// DefaultToxicityConfig mirrors the reference model's six-category
// default, threshold 0.7.
func DefaultToxicityConfig() ToxicityConfig {
	return ToxicityConfig{
		Threshold:  0.7,
		Categories: []string{"toxic", "severe_toxic", "obscene", "threat", "insult", "identity_hate"},
	}
}

// Toxicity flags input whose classifier score, in any configured
// category, meets the threshold.
type Toxicity struct {
	cfg        ToxicityConfig
	classifier Classifier
}

// NewToxicity builds a Toxicity scanner over the given Classifier. Pass
// NewKeywordClassifier(defaultToxicityKeywords) for the dependency-free
// default.
func NewToxicity(cfg ToxicityConfig, classifier Classifier) *Toxicity {
	return &Toxicity{cfg: cfg, classifier: classifier}
}

func (s *Toxicity) Name() string           { return "Toxicity" }
func (s *Toxicity) Type() core.ScannerType { return core.ScannerInput }

func (s *Toxicity) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	scores, err := s.classifier.Classify(ctx, input)
	if err != nil {
		return core.ScanResult{}, err
	}

	var triggered []string
	maxScore := 0.0
	for _, category := range s.cfg.Categories {
		score := scores[category]
		if score > maxScore {
			maxScore = score
		}
		if score >= s.cfg.Threshold {
			triggered = append(triggered, category)
		}
	}
	sort.Strings(triggered)

	if len(triggered) == 0 {
		return core.Pass(input), nil
	}

	severity := core.SeverityMedium
	if maxScore >= 0.9 {
		severity = core.SeverityHigh
	}

	entities := make([]core.Entity, 0, len(triggered))
	for _, category := range triggered {
		entities = append(entities, core.Entity{
			Type:       core.EntityType("toxicity_" + category),
			Text:       category,
			Confidence: scores[category],
		})
	}

	return core.ScanResult{
		SanitizedText: input,
		IsValid:       false,
		RiskScore:     maxScore,
		RiskFactors: []core.RiskFactor{{
			ID:          "toxic_content",
			Description: fmt.Sprintf("toxic content detected in %d categor(ies)", len(triggered)),
			Severity:    severity,
			Score:       maxScore,
		}},
		Entities: entities,
	}, nil
}
