package scanners

import (
	"context"
	"strings"
)

// Classifier is the pluggable ML collaborator Toxicity and Sentiment
// consume: given text, it returns a score per label in [0, 1]. A real
// implementation wraps an ONNX/transformer model; KeywordClassifier is
// the deterministic fallback-heuristic default the reference
// implementation falls back to when no model is configured
// (use_fallback in ToxicityConfig/SentimentConfig).
type Classifier interface {
	Classify(ctx context.Context, text string) (map[string]float64, error)
}

// KeywordClassifier scores labels by counting configured keyword hits
// against the token count, clamped to 1.0. It is deliberately simple: a
// real deployment supplies a trained Classifier instead.
type KeywordClassifier struct {
	keywords map[string][]string
}

// NewKeywordClassifier builds a classifier from a label -> keywords map.
func NewKeywordClassifier(keywords map[string][]string) *KeywordClassifier {
	return &KeywordClassifier{keywords: keywords}
}

func (c *KeywordClassifier) Classify(ctx context.Context, text string) (map[string]float64, error) {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)
	wordCount := len(words)
	if wordCount == 0 {
		wordCount = 1
	}

	scores := make(map[string]float64, len(c.keywords))
	for label, kws := range c.keywords {
		hits := 0
		for _, kw := range kws {
			hits += strings.Count(lower, kw)
		}
		score := float64(hits) / float64(wordCount) * 3.0
		if score > 1.0 {
			score = 1.0
		}
		scores[label] = score
	}
	return scores, nil
}

// NewDefaultToxicityClassifier builds a KeywordClassifier seeded with the
// built-in toxic/severe_toxic/obscene/threat/insult/identity_hate keyword
// lists, for callers wiring Toxicity without a real ML model configured.
func NewDefaultToxicityClassifier() *KeywordClassifier {
	return NewKeywordClassifier(defaultToxicityKeywords)
}

// NewDefaultSentimentClassifier builds a KeywordClassifier seeded with
// the built-in positive/negative keyword lists, for callers wiring
// Sentiment without a real ML model configured.
func NewDefaultSentimentClassifier() *KeywordClassifier {
	return NewKeywordClassifier(defaultSentimentKeywords)
}

// defaultToxicityKeywords seeds KeywordClassifier for Toxicity's six
// categories, per ToxicityCategory in the reference implementation.
var defaultToxicityKeywords = map[string][]string{
	"toxic":         {"idiot", "stupid", "hate you", "shut up"},
	"severe_toxic":  {"kill yourself", "i will hurt you"},
	"obscene":       {"fuck", "shit", "asshole"},
	"threat":        {"i will kill", "i will hurt", "i will destroy you"},
	"insult":        {"idiot", "moron", "loser", "pathetic"},
	"identity_hate": {"go back to your country"},
}

// defaultSentimentKeywords seeds KeywordClassifier for Sentiment's
// three-way classification.
var defaultSentimentKeywords = map[string][]string{
	"positive": {"great", "love", "excellent", "happy", "wonderful", "thank you"},
	"negative": {"terrible", "hate", "awful", "angry", "furious", "worst"},
}
