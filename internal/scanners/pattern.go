// Package scanners implements the concrete core.Scanner/core.OutputScanner
// implementations: banned substrings/competitors, prompt injection,
// toxicity/sentiment classification, refusal detection, and output URL
// reachability, grounded on llm-shield-scanners/src/{input,output}/*.rs.
package scanners

import (
	"strings"
	"unicode"
)

// patternMatch is one located occurrence of a banned pattern.
type patternMatch struct {
	start, end int
	pattern    string
}

// findPatternMatches locates every occurrence of any pattern in text. It
// is the shared substring-scan core of BanSubstrings and BanCompetitors,
// which differ only in configuration shape and scanner metadata; no
// third-party multi-pattern matcher (the reference's aho-corasick) is
// available anywhere in the examples pack, so this is a deliberate
// stdlib choice, documented once here rather than per caller.
func findPatternMatches(text string, patterns []string, caseSensitive, wholeWordsOnly bool) []patternMatch {
	searchText := text
	if !caseSensitive {
		searchText = strings.ToLower(text)
	}

	var matches []patternMatch
	for _, original := range patterns {
		pattern := original
		if !caseSensitive {
			pattern = strings.ToLower(pattern)
		}
		if pattern == "" {
			continue
		}
		offset := 0
		for {
			idx := strings.Index(searchText[offset:], pattern)
			if idx < 0 {
				break
			}
			start := offset + idx
			end := start + len(pattern)
			offset = end

			if wholeWordsOnly && !isWordBoundaryMatch(text, start, end) {
				continue
			}
			matches = append(matches, patternMatch{start: start, end: end, pattern: original})
		}
	}
	return matches
}

func isWordBoundaryMatch(text string, start, end int) bool {
	beforeOK := start == 0 || !isAlphanumericAt(text, start-1)
	afterOK := end >= len(text) || !isAlphanumericAt(text, end)
	return beforeOK && afterOK
}

func isAlphanumericAt(text string, byteIdx int) bool {
	r := []rune(text[byteIdx:])
	if len(r) == 0 {
		return false
	}
	return unicode.IsLetter(r[0]) || unicode.IsDigit(r[0])
}

// redactMatches replaces each match span with asterisks, applied in
// reverse order so earlier byte offsets stay valid.
func redactMatches(text string, matches []patternMatch) string {
	if len(matches) == 0 {
		return text
	}
	result := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		result = result[:m.start] + strings.Repeat("*", m.end-m.start) + result[m.end:]
	}
	return result
}
