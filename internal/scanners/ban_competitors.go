package scanners

import (
	"context"
	"strconv"

	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

// BanCompetitorsConfig configures BanCompetitors.
type BanCompetitorsConfig struct {
	Competitors    []string
	CaseSensitive  bool
	Redact         bool
	WholeWordsOnly bool
}

// BanCompetitors blocks mentions of configured competitor names/brands.
type BanCompetitors struct {
	cfg BanCompetitorsConfig
}

// NewBanCompetitors validates cfg and builds a BanCompetitors scanner.
func NewBanCompetitors(cfg BanCompetitorsConfig) (*BanCompetitors, error) {
	if len(cfg.Competitors) == 0 {
		return nil, shielderr.New(shielderr.Config, "at least one competitor must be provided")
	}
	return &BanCompetitors{cfg: cfg}, nil
}

func (s *BanCompetitors) Name() string           { return "BanCompetitors" }
func (s *BanCompetitors) Type() core.ScannerType { return core.ScannerInput }

func (s *BanCompetitors) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	matches := findPatternMatches(input, s.cfg.Competitors, s.cfg.CaseSensitive, s.cfg.WholeWordsOnly)
	if len(matches) == 0 {
		return core.Pass(input), nil
	}

	entities := make([]core.Entity, 0, len(matches))
	for _, m := range matches {
		entities = append(entities, core.Entity{
			Type:       "competitor_mention",
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
		RiskScore:     0.8,
		RiskFactors: []core.RiskFactor{{
			ID:          "competitor_mention",
			Description: "found competitor mention(s) in input",
			Severity:    core.SeverityMedium,
			Score:       0.8,
		}},
		Entities: entities,
		Metadata: map[string]string{"matches_count": strconv.Itoa(len(entities))},
	}, nil
}
