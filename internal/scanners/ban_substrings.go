package scanners

import (
	"context"
	"strconv"

	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

// MatchType selects how BanSubstrings treats match boundaries.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchWord     MatchType = "word"
)

// BanSubstringsConfig configures BanSubstrings.
type BanSubstringsConfig struct {
	Substrings    []string
	CaseSensitive bool
	MatchType     MatchType
	Redact        bool
}

// BanSubstrings blocks input containing any configured substring.
type BanSubstrings struct {
	cfg BanSubstringsConfig
}

// NewBanSubstrings validates cfg and builds a BanSubstrings scanner.
func NewBanSubstrings(cfg BanSubstringsConfig) (*BanSubstrings, error) {
	if len(cfg.Substrings) == 0 {
		return nil, shielderr.New(shielderr.Config, "at least one substring must be provided")
	}
	if cfg.MatchType == "" {
		cfg.MatchType = MatchContains
	}
	return &BanSubstrings{cfg: cfg}, nil
}

func (s *BanSubstrings) Name() string           { return "BanSubstrings" }
func (s *BanSubstrings) Type() core.ScannerType { return core.ScannerInput }

func (s *BanSubstrings) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	matches := findPatternMatches(input, s.cfg.Substrings, s.cfg.CaseSensitive, s.cfg.MatchType == MatchWord)
	if len(matches) == 0 {
		return core.Pass(input), nil
	}

	entities := make([]core.Entity, 0, len(matches))
	for _, m := range matches {
		entities = append(entities, core.Entity{
			Type:       "banned_substring",
			Text:       input[m.start:m.end],
			Start:      m.start,
			End:        m.end,
			Confidence: 1.0,
			Metadata:   map[string]string{"pattern": m.pattern},
		})
	}

	sanitized := input
	if s.cfg.Redact {
		sanitized = redactMatches(input, matches)
	}

	return core.ScanResult{
		SanitizedText: sanitized,
		IsValid:       false,
		RiskScore:     1.0,
		RiskFactors: []core.RiskFactor{{
			ID:          "banned_content",
			Description: "found banned substring(s) in input",
			Severity:    core.SeverityHigh,
			Score:       1.0,
		}},
		Entities: entities,
		Metadata: map[string]string{"matches_count": strconv.Itoa(len(entities))},
	}, nil
}
