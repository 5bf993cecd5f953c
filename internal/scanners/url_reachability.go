package scanners

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"llmshield/internal/core"
	"llmshield/internal/shielderr"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// URLReachabilityConfig configures URLReachability.
type URLReachabilityConfig struct {
	EnableHTTPChecks bool
	Timeout          time.Duration
	FollowRedirects  bool
	MaxURLsToCheck   int
	FailOnUnreachable bool
}

// DefaultURLReachabilityConfig mirrors the reference default: HTTP
// checks disabled (format validation only), 5s timeout, 10 URLs max.
func DefaultURLReachabilityConfig() URLReachabilityConfig {
	return URLReachabilityConfig{
		EnableHTTPChecks: false,
		Timeout:          5 * time.Second,
		FollowRedirects:  true,
		MaxURLsToCheck:   10,
		FailOnUnreachable: true,
	}
}

// URLReachability extracts URLs from model output and validates them,
// per the reference url_reachability.rs. Unlike that implementation
// (which left the real HTTP client as a documented TODO and returned a
// mock result), this one performs an actual HEAD request when
// EnableHTTPChecks is set, since Go's stdlib HTTP client makes that a
// straightforward enrichment rather than an external-dependency problem.
type URLReachability struct {
	cfg    URLReachabilityConfig
	client *http.Client
}

// NewURLReachability validates cfg and builds a URLReachability scanner.
func NewURLReachability(cfg URLReachabilityConfig) (*URLReachability, error) {
	if cfg.Timeout <= 0 {
		return nil, shielderr.New(shielderr.Config, "timeout must be greater than 0")
	}
	if cfg.MaxURLsToCheck <= 0 {
		return nil, shielderr.New(shielderr.Config, "max_urls_to_check must be greater than 0")
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &URLReachability{cfg: cfg, client: client}, nil
}

func (s *URLReachability) Name() string           { return "URLReachability" }
func (s *URLReachability) Type() core.ScannerType { return core.ScannerOutput }

func (s *URLReachability) Scan(ctx context.Context, input string, vault *core.Vault) (core.ScanResult, error) {
	return s.ScanOutput(ctx, "", input, vault)
}

type urlCheckResult struct {
	url          string
	isReachable  bool
	statusCode   int
	errorMessage string
}

func (s *URLReachability) extractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) > s.cfg.MaxURLsToCheck {
		matches = matches[:s.cfg.MaxURLsToCheck]
	}
	return matches
}

func isWellFormedURL(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	if strings.Contains(raw, " ") {
		return false
	}
	_, err := url.Parse(raw)
	return err == nil
}

func (s *URLReachability) checkURL(ctx context.Context, rawURL string) urlCheckResult {
	if !s.cfg.EnableHTTPChecks {
		if isWellFormedURL(rawURL) {
			return urlCheckResult{url: rawURL, isReachable: true}
		}
		return urlCheckResult{url: rawURL, errorMessage: "malformed URL"}
	}

	if !isWellFormedURL(rawURL) {
		return urlCheckResult{url: rawURL, errorMessage: "malformed URL"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return urlCheckResult{url: rawURL, errorMessage: err.Error()}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return urlCheckResult{url: rawURL, errorMessage: err.Error()}
	}
	defer resp.Body.Close()

	return urlCheckResult{
		url:         rawURL,
		isReachable: resp.StatusCode >= 200 && resp.StatusCode < 400,
		statusCode:  resp.StatusCode,
	}
}

func (s *URLReachability) ScanOutput(ctx context.Context, prompt, output string, vault *core.Vault) (core.ScanResult, error) {
	urls := s.extractURLs(output)
	if len(urls) == 0 {
		return core.Pass(output), nil
	}

	results := make([]urlCheckResult, 0, len(urls))
	for _, u := range urls {
		results = append(results, s.checkURL(ctx, u))
	}

	var unreachable []urlCheckResult
	for _, r := range results {
		if !r.isReachable {
			unreachable = append(unreachable, r)
		}
	}

	if len(unreachable) == 0 || !s.cfg.FailOnUnreachable {
		return core.ScanResult{
			SanitizedText: output,
			IsValid:       true,
			Metadata: map[string]string{
				"urls_found":        strconv.Itoa(len(urls)),
				"unreachable_urls":  strconv.Itoa(len(unreachable)),
			},
		}, nil
	}

	ratio := float64(len(unreachable)) / float64(len(urls))
	severity := core.SeverityLow
	if len(unreachable) == len(urls) {
		severity = core.SeverityHigh
	} else if ratio > 0.5 {
		severity = core.SeverityMedium
	}

	entities := make([]core.Entity, 0, len(unreachable))
	for _, r := range unreachable {
		meta := map[string]string{"url": r.url}
		if r.statusCode != 0 {
			meta["status_code"] = strconv.Itoa(r.statusCode)
		}
		if r.errorMessage != "" {
			meta["error"] = r.errorMessage
		}
		entities = append(entities, core.Entity{
			Type:       "unreachable_url",
			Text:       r.url,
			Confidence: 0.9,
			Metadata:   meta,
		})
	}

	return core.ScanResult{
		SanitizedText: output,
		IsValid:       false,
		RiskScore:     ratio,
		RiskFactors: []core.RiskFactor{{
			ID:          "unreachable_urls",
			Description: fmt.Sprintf("%d of %d URL(s) are unreachable", len(unreachable), len(urls)),
			Severity:    severity,
			Score:       ratio,
		}},
		Entities: entities,
		Metadata: map[string]string{"urls_found": strconv.Itoa(len(urls))},
	}, nil
}
