package anonymize

import (
	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

// ReplaceEntities rewrites text by substituting each entity's byte range
// with its corresponding placeholder. entities must be sorted ascending
// by Start and non-overlapping (see ResolveOverlaps); placeholders must
// have the same length and be in the same order. Entities are applied
// from last to first so that splicing one substitution never invalidates
// the byte offsets of entities not yet applied, avoiding any reindexing
// pass.
func ReplaceEntities(text string, entities []core.Entity, placeholders []string) (string, error) {
	if len(entities) != len(placeholders) {
		return "", shielderr.New(shielderr.Validation, "entity count does not match placeholder count")
	}

	for _, e := range entities {
		if e.Start < 0 || e.End < e.Start || e.End > len(text) {
			return "", shielderr.New(shielderr.Validation, "entity range out of bounds")
		}
		if !onCodepointBoundary(text, e.Start) || !onCodepointBoundary(text, e.End) {
			return "", shielderr.New(shielderr.Validation, "entity range does not lie on a UTF-8 codepoint boundary")
		}
	}

	result := text
	for i := len(entities) - 1; i >= 0; i-- {
		e := entities[i]
		result = result[:e.Start] + placeholders[i] + result[e.End:]
	}
	return result, nil
}

// onCodepointBoundary reports whether byte offset i in s does not fall in
// the middle of a multi-byte UTF-8 sequence. A continuation byte has the
// top two bits 10.
func onCodepointBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
