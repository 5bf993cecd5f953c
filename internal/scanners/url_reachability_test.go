package scanners

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestURLReachability_InvalidConfig(t *testing.T) {
	if _, err := NewURLReachability(URLReachabilityConfig{Timeout: 0, MaxURLsToCheck: 1}); err == nil {
		t.Error("expected an error for a non-positive timeout")
	}
	if _, err := NewURLReachability(URLReachabilityConfig{Timeout: time.Second, MaxURLsToCheck: 0}); err == nil {
		t.Error("expected an error for a non-positive max_urls_to_check")
	}
}

func TestURLReachability_NoURLsPasses(t *testing.T) {
	s, _ := NewURLReachability(DefaultURLReachabilityConfig())
	result, err := s.Scan(context.Background(), "no links in this text", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Error("expected text with no URLs to pass")
	}
}

func TestURLReachability_FormatOnly_WellFormedPasses(t *testing.T) {
	cfg := DefaultURLReachabilityConfig() // EnableHTTPChecks: false
	s, _ := NewURLReachability(cfg)
	result, err := s.Scan(context.Background(), "see https://example.com/docs for details", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected a well-formed URL to pass format-only validation, got %+v", result)
	}
}

func TestURLReachability_NonHTTPSchemeIsNotExtracted(t *testing.T) {
	cfg := DefaultURLReachabilityConfig()
	s, _ := NewURLReachability(cfg)
	// urlPattern only matches http(s) schemes, so an ftp link is never
	// extracted as a URL to check at all.
	result, err := s.Scan(context.Background(), "download via ftp://files.example.com/archive", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected a non-http(s) link to be ignored entirely, got %+v", result)
	}
}

func TestURLReachability_HTTPCheck_ReachableURLPasses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := URLReachabilityConfig{EnableHTTPChecks: true, Timeout: 2 * time.Second, MaxURLsToCheck: 10, FailOnUnreachable: true}
	s, err := NewURLReachability(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := s.Scan(context.Background(), "visit "+server.URL+" now", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected a reachable URL to pass, got %+v", result)
	}
}

func TestURLReachability_HTTPCheck_UnreachableURLBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := URLReachabilityConfig{EnableHTTPChecks: true, Timeout: 2 * time.Second, MaxURLsToCheck: 10, FailOnUnreachable: true}
	s, err := NewURLReachability(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := s.Scan(context.Background(), "visit "+server.URL+" now", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsValid {
		t.Error("expected a 404-returning URL to be flagged unreachable")
	}
	if result.RiskScore != 1.0 {
		t.Errorf("expected a risk score of 1.0 when all URLs are unreachable, got %v", result.RiskScore)
	}
}

func TestURLReachability_UnreachableNotFailedWhenFailOnUnreachableDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := URLReachabilityConfig{EnableHTTPChecks: true, Timeout: 2 * time.Second, MaxURLsToCheck: 10, FailOnUnreachable: false}
	s, err := NewURLReachability(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := s.Scan(context.Background(), "visit "+server.URL+" now", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Error("expected FailOnUnreachable=false to always pass regardless of reachability")
	}
}

func TestURLReachability_MaxURLsToCheckCaps(t *testing.T) {
	s, _ := NewURLReachability(URLReachabilityConfig{Timeout: time.Second, MaxURLsToCheck: 2, FailOnUnreachable: true})
	urls := s.extractURLs("https://a.com https://b.com https://c.com https://d.com")
	if len(urls) != 2 {
		t.Errorf("expected extraction to cap at MaxURLsToCheck, got %d", len(urls))
	}
}
