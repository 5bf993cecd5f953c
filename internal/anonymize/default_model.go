package anonymize

import (
	"context"
	"regexp"
	"unicode"

	"llmshield/internal/core"
)

// WordTokenizer is a deterministic, dependency-free default Tokenizer.
// It splits text on runs of whitespace, yielding one token per
// whitespace-delimited run and recording its byte offsets. It exists so
// the NER detector has something to drive end to end without requiring
// the ONNX runtime and tokenizer library the core spec treats as an
// external collaborator; operators wire a real Tokenizer/InferenceEngine
// pair in its place for production-grade detection.
type WordTokenizer struct{}

func (WordTokenizer) Encode(ctx context.Context, text string) (Encoding, error) {
	var enc Encoding
	inToken := false
	start := 0
	for i, r := range text {
		isSpace := unicode.IsSpace(r)
		if !isSpace && !inToken {
			start = i
			inToken = true
		} else if isSpace && inToken {
			enc.Offsets = append(enc.Offsets, Offset{Start: start, End: i})
			enc.IDs = append(enc.IDs, uint32(len(enc.IDs)+1))
			enc.AttentionMask = append(enc.AttentionMask, 1)
			inToken = false
		}
	}
	if inToken {
		enc.Offsets = append(enc.Offsets, Offset{Start: start, End: len(text)})
		enc.IDs = append(enc.IDs, uint32(len(enc.IDs)+1))
		enc.AttentionMask = append(enc.AttentionMask, 1)
	}
	return enc, nil
}

// patternClassifier pairs a regex (matched against the whole token) with
// the entity type it signals.
type patternClassifier struct {
	pattern    *regexp.Regexp
	entityType core.EntityType
}

// RegexInferenceEngine is a deterministic, dependency-free default
// InferenceEngine: it classifies each token against a fixed list of
// regex patterns for the canonical entity types that admit a reliable
// surface-form regex (email, phone, SSN, credit card, IP address, URL),
// and emits "O" for everything else. It does not attempt PERSON,
// ORGANIZATION, or ADDRESS detection, which need an actual
// sequence-labeling model — those require a real InferenceEngine.
type RegexInferenceEngine struct {
	classifiers []patternClassifier
}

// NewRegexInferenceEngine builds the default inference engine.
func NewRegexInferenceEngine() *RegexInferenceEngine {
	return &RegexInferenceEngine{classifiers: []patternClassifier{
		{regexp.MustCompile(`^[\w.+-]+@[\w-]+\.[\w.-]+$`), core.EntityEmail},
		{regexp.MustCompile(`^\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}$`), core.EntityPhone},
		{regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`), core.EntitySSN},
		{regexp.MustCompile(`^(\d{4}[-\s]?){3}\d{4}$`), core.EntityCreditCard},
		{regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`), core.EntityIPAddress},
		{regexp.MustCompile(`^https?://\S+$`), core.EntityURL},
	}}
}

func (e *RegexInferenceEngine) InferTokenClassification(ctx context.Context, ids, attentionMask []uint32) ([]TokenPrediction, error) {
	// The regex engine has no notion of token text from ids alone; real
	// InferenceEngine implementations receive ids derived from an actual
	// vocabulary. This default is exercised through Detector only via
	// RegexDetector below, which bypasses the ids/offsets split entirely
	// and classifies token text directly.
	predictions := make([]TokenPrediction, len(ids))
	for i := range predictions {
		predictions[i] = TokenPrediction{Label: "O", Confidence: 1}
	}
	return predictions, nil
}

// RegexDetector is a self-contained EntityDetector built directly on
// WordTokenizer + pattern matching, skipping the ids/vocabulary
// indirection InferenceEngine implies (which only matters once a real
// model supplies token ids). It satisfies the same EntityDetector
// interface the Anonymizer consumes, so it is a drop-in default when no
// ML backend is configured.
type RegexDetector struct {
	tokenizer   WordTokenizer
	classifiers []patternClassifier
	confidence  float64
}

// NewRegexDetector builds the default detector with a fixed confidence of
// 1.0 for every regex match (there is no model score to report).
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{
		tokenizer:   WordTokenizer{},
		classifiers: NewRegexInferenceEngine().classifiers,
		confidence:  1.0,
	}
}

func (d *RegexDetector) Detect(ctx context.Context, text string) ([]core.Entity, error) {
	enc, err := d.tokenizer.Encode(ctx, text)
	if err != nil {
		return nil, err
	}

	var entities []core.Entity
	for _, off := range enc.Offsets {
		token := text[off.Start:off.End]
		for _, c := range d.classifiers {
			if c.pattern.MatchString(token) {
				entities = append(entities, core.Entity{
					Type:       c.entityType,
					Text:       token,
					Start:      off.Start,
					End:        off.End,
					Confidence: d.confidence,
				})
				break
			}
		}
	}
	return entities, nil
}
