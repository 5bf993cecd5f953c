package anonymize

import (
	"context"
	"regexp"
)

// placeholderPattern matches the surface syntax of a placeholder:
// bracketed, uppercase type tag, positive integer index. Matches §6's
// `\[[A-Z_]+_[0-9]+\]`.
var placeholderPattern = regexp.MustCompile(`\[[A-Z_]+_[0-9]+\]`)

// Deanonymizer restores placeholders in previously-anonymized text back
// to their original values, per §4.9.
type Deanonymizer struct {
	store VaultStore
	audit *AuditLogger
}

// NewDeanonymizer builds a Deanonymizer over the given vault store.
func NewDeanonymizer(store VaultStore, audit *AuditLogger) *Deanonymizer {
	return &Deanonymizer{store: store, audit: audit}
}

// DeanonymizeResult is the outcome of a Deanonymize call.
type DeanonymizeResult struct {
	RestoredText  string
	RestoredCount int
}

// Deanonymize finds every placeholder-shaped substring in text and, for
// each, looks up its mapping under sessionID. Missing or expired mappings
// are left in place and not counted as restored. Substitutions are
// applied in reverse match order to preserve earlier byte offsets,
// mirroring Replacer's approach.
func (d *Deanonymizer) Deanonymize(ctx context.Context, sessionID, text string) (DeanonymizeResult, error) {
	matches := placeholderPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return DeanonymizeResult{RestoredText: text}, nil
	}

	type substitution struct {
		start, end int
		value      string
	}
	var subs []substitution
	restoredCount := 0

	for _, m := range matches {
		placeholder := text[m[0]:m[1]]
		mapping, ok, err := d.store.GetMapping(ctx, sessionID, placeholder)
		if err != nil {
			return DeanonymizeResult{}, err
		}
		if !ok {
			continue
		}
		subs = append(subs, substitution{start: m[0], end: m[1], value: mapping.OriginalValue})
		restoredCount++
	}

	result := text
	for i := len(subs) - 1; i >= 0; i-- {
		s := subs[i]
		result = result[:s.start] + s.value + result[s.end:]
	}

	if d.audit != nil {
		d.audit.LogDeanonymizeComplete(sessionID, restoredCount)
	}

	return DeanonymizeResult{RestoredText: result, RestoredCount: restoredCount}, nil
}
