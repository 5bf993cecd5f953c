// Package anonymize implements the PII anonymize/deanonymize session
// layer: NER detection, BIO decoding, placeholder allocation, overlap
// resolution, offset-preserving text replacement, and a pluggable vault
// store of reversible mappings. Grounded on the reference
// llm-shield-anonymize crate (detector/ner.rs, anonymizer.rs, vault.rs,
// replacer.rs).
package anonymize

import (
	"context"
	"strings"

	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

// Offset is a half-open byte range [Start, End) into the original text,
// on UTF-8 codepoint boundaries. Sentinel tokens added by the tokenizer
// (e.g. [CLS]/[SEP]) carry the empty offset (0, 0).
type Offset struct {
	Start, End int
}

func (o Offset) empty() bool { return o.Start == 0 && o.End == 0 }

// Encoding is the tokenizer's output: parallel arrays of token ids,
// attention mask, and character (byte) offsets into the original text.
type Encoding struct {
	IDs            []uint32
	AttentionMask  []uint32
	Offsets        []Offset
}

// Tokenizer is the external collaborator contract §6 specifies: encode
// text into token ids, an attention mask, and byte offsets. The core
// never inspects a concrete tokenizer implementation, only this
// interface.
type Tokenizer interface {
	Encode(ctx context.Context, text string) (Encoding, error)
}

// TokenPrediction is one token's predicted BIO label and confidence, as
// produced by InferenceEngine. Confidences come from a softmax head and
// sum to 1 across a token's label distribution, but only the
// argmax (predicted label, confidence) pair is exposed here, matching
// the collaborator contract in §6.
type TokenPrediction struct {
	Label      string
	Confidence float64
}

// InferenceEngine runs token-classification inference over an encoded
// sequence and returns one prediction per token.
type InferenceEngine interface {
	InferTokenClassification(ctx context.Context, ids, attentionMask []uint32) ([]TokenPrediction, error)
}

// Config tunes the NER detector.
type Config struct {
	ConfidenceThreshold float64
	MaxSequenceLength   int
}

// DefaultConfig mirrors the reference model's defaults.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.85, MaxSequenceLength: 512}
}

// Detector drives Tokenizer -> InferenceEngine -> BIO decode to emit
// typed entity spans with confidences.
type Detector struct {
	tokenizer Tokenizer
	inference InferenceEngine
	cfg       Config
}

// NewDetector builds a Detector over the given tokenizer and inference
// collaborators.
func NewDetector(tokenizer Tokenizer, inference InferenceEngine, cfg Config) *Detector {
	return &Detector{tokenizer: tokenizer, inference: inference, cfg: cfg}
}

// Detect returns entities found in text whose mean per-token confidence
// meets the configured threshold.
func (d *Detector) Detect(ctx context.Context, text string) ([]core.Entity, error) {
	enc, err := d.tokenizer.Encode(ctx, text)
	if err != nil {
		return nil, shielderr.Wrap(shielderr.Transient, "tokenizer encode failed", err)
	}

	predictions, err := d.inference.InferTokenClassification(ctx, enc.IDs, enc.AttentionMask)
	if err != nil {
		return nil, shielderr.Wrap(shielderr.Transient, "inference failed", err)
	}

	n := len(enc.Offsets)
	if len(predictions) < n {
		n = len(predictions)
	}

	var tagged []taggedToken
	for i := 0; i < n; i++ {
		if enc.Offsets[i].empty() {
			continue // sentinel token
		}
		tagged = append(tagged, taggedToken{
			offset:     enc.Offsets[i],
			tag:        parseBIOTag(predictions[i].Label),
			confidence: predictions[i].Confidence,
		})
	}

	return decodeBIOTags(text, tagged, d.cfg.ConfidenceThreshold), nil
}

// bioKind is the structural role of a BIO tag.
type bioKind int

const (
	bioOutside bioKind = iota
	bioBegin
	bioInside
)

type bioTag struct {
	kind       bioKind
	entityType core.EntityType
}

// entityTypeAliases maps the many label spellings a token-classification
// head may emit onto the canonical ~15 entity types, grounded on
// BioTag::from_str in the reference ner.rs.
var entityTypeAliases = map[string]core.EntityType{
	"PERSON":          core.EntityPerson,
	"EMAIL":           core.EntityEmail,
	"PHONE":           core.EntityPhone,
	"PHONE_NUMBER":    core.EntityPhone,
	"SSN":             core.EntitySSN,
	"US_SSN":          core.EntitySSN,
	"CREDIT_CARD":     core.EntityCreditCard,
	"IP_ADDRESS":      core.EntityIPAddress,
	"URL":             core.EntityURL,
	"DATE_OF_BIRTH":   core.EntityDateOfBirth,
	"ADDRESS":         core.EntityAddress,
	"LOCATION":        core.EntityAddress,
	"ORGANIZATION":    core.EntityOrganization,
	"BANK_ACCOUNT":    core.EntityBankAccount,
	"PASSPORT":        core.EntityPassport,
	"DRIVERS_LICENSE": core.EntityDriversLicense,
	"DRIVER_LICENSE":  core.EntityDriversLicense,
	"USERNAME":        core.EntityUsername,
	"PASSWORD":        core.EntityPassword,
}

// parseBIOTag parses a raw model label ("O", "B-EMAIL", "I-PERSON", ...)
// into a structured bioTag. Unknown or malformed labels degrade to
// Outside, matching §4.4 step 4.
func parseBIOTag(label string) bioTag {
	switch {
	case label == "" || label == "O":
		return bioTag{kind: bioOutside}
	case strings.HasPrefix(label, "B-"):
		if et, ok := entityTypeAliases[strings.ToUpper(label[2:])]; ok {
			return bioTag{kind: bioBegin, entityType: et}
		}
	case strings.HasPrefix(label, "I-"):
		if et, ok := entityTypeAliases[strings.ToUpper(label[2:])]; ok {
			return bioTag{kind: bioInside, entityType: et}
		}
	}
	return bioTag{kind: bioOutside}
}

type taggedToken struct {
	offset     Offset
	tag        bioTag
	confidence float64
}

// decodeBIOTags folds a sequence of tagged tokens into entity spans per
// §4.4 step 5: B- opens (finalizing any current span first), I- of the
// same type extends, I- of a different type (or with no current span)
// finalizes-then-opens (I-without-B is tolerated), O finalizes.
func decodeBIOTags(text string, tokens []taggedToken, confidenceThreshold float64) []core.Entity {
	var entities []core.Entity
	var current *spanBuilder

	finalize := func() {
		if current == nil {
			return
		}
		if ent, ok := current.finalize(text, confidenceThreshold); ok {
			entities = append(entities, ent)
		}
		current = nil
	}

	for _, tok := range tokens {
		switch tok.tag.kind {
		case bioBegin:
			finalize()
			current = newSpanBuilder(tok.tag.entityType, tok.offset, tok.confidence)
		case bioInside:
			if current != nil && current.entityType == tok.tag.entityType {
				current.extend(tok.offset, tok.confidence)
			} else {
				finalize()
				current = newSpanBuilder(tok.tag.entityType, tok.offset, tok.confidence)
			}
		case bioOutside:
			finalize()
		}
	}
	finalize()

	return entities
}

type spanBuilder struct {
	entityType  core.EntityType
	start, end  int
	confidences []float64
}

func newSpanBuilder(t core.EntityType, off Offset, confidence float64) *spanBuilder {
	return &spanBuilder{entityType: t, start: off.Start, end: off.End, confidences: []float64{confidence}}
}

func (b *spanBuilder) extend(off Offset, confidence float64) {
	if off.End > b.end {
		b.end = off.End
	}
	b.confidences = append(b.confidences, confidence)
}

func (b *spanBuilder) finalize(text string, threshold float64) (core.Entity, bool) {
	var sum float64
	for _, c := range b.confidences {
		sum += c
	}
	mean := sum / float64(len(b.confidences))
	if mean < threshold {
		return core.Entity{}, false
	}
	if b.start < 0 || b.end > len(text) || b.start >= b.end {
		return core.Entity{}, false
	}
	return core.Entity{
		Type:       b.entityType,
		Text:       text[b.start:b.end],
		Start:      b.start,
		End:        b.end,
		Confidence: mean,
	}, true
}
