package scanners

import (
	"context"

	"llmshield/internal/core"
)

// SentimentConfig configures Sentiment.
type SentimentConfig struct {
	AllowedSentiments []string
	Threshold         float64
}

// DefaultSentimentConfig allows positive and neutral, at threshold 0.7,
// matching the reference default.
func DefaultSentimentConfig() SentimentConfig {
	return SentimentConfig{AllowedSentiments: []string{"positive", "neutral"}, Threshold: 0.7}
}

// Sentiment flags input whose dominant sentiment is not in the allowed
// set with at least Threshold confidence.
type Sentiment struct {
	cfg        SentimentConfig
	classifier Classifier
}

// NewSentiment builds a Sentiment scanner over the given Classifier.
// Pass NewKeywordClassifier(defaultSentimentKeywords) for the
// dependency-free default; any label absent from the classifier's
// output defaults to a neutral remainder.
func NewSentiment(cfg SentimentConfig, classifier Classifier) *Sentiment {
	return &Sentiment{cfg: cfg, classifier: classifier}
}

func (s *Sentiment) Name() string           { return "Sentiment" }
func (s *Sentiment) Type() core.ScannerType { return core.ScannerInput }

func (s *Sentiment) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	scores, err := s.classifier.Classify(ctx, input)
	if err != nil {
		return core.ScanResult{}, err
	}

	dominant := "neutral"
	dominantScore := 0.0
	for _, label := range []string{"positive", "negative"} {
		if scores[label] > dominantScore {
			dominant = label
			dominantScore = scores[label]
		}
	}
	if dominantScore < s.cfg.Threshold {
		dominant = "neutral"
		dominantScore = 1 - dominantScore
	}

	if isAllowedSentiment(dominant, s.cfg.AllowedSentiments) {
		return core.Pass(input), nil
	}

	return core.ScanResult{
		SanitizedText: input,
		IsValid:       false,
		RiskScore:     dominantScore,
		RiskFactors: []core.RiskFactor{{
			ID:          "disallowed_sentiment",
			Description: "input sentiment '" + dominant + "' is not in the allowed set",
			Severity:    core.SeverityLow,
			Score:       dominantScore,
		}},
		Entities: []core.Entity{{
			Type:       core.EntityType("sentiment_" + dominant),
			Text:       dominant,
			Confidence: dominantScore,
		}},
	}, nil
}

func isAllowedSentiment(sentiment string, allowed []string) bool {
	for _, a := range allowed {
		if a == sentiment {
			return true
		}
	}
	return false
}
