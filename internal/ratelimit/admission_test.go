package ratelimit

import "testing"

func newTestAdmission() *Admission {
	return NewAdmission(NewQuotaTracker(), NewTokenBucketLimiter(), NewConcurrencyLimiter())
}

func TestAdmission_CheckRateLimit_Allows(t *testing.T) {
	a := newTestAdmission()
	limits := Limits{PerMinute: 5, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	decision := a.CheckRateLimit("client", limits)
	if !decision.Allowed {
		t.Fatal("expected first request to be allowed")
	}
	if decision.Limit != 5 {
		t.Errorf("expected Limit 5, got %d", decision.Limit)
	}
	if decision.Remaining != 4 {
		t.Errorf("expected Remaining 4 after consuming one of five, got %d", decision.Remaining)
	}
	if decision.RetryAfterSeconds != 0 {
		t.Errorf("expected RetryAfterSeconds 0 on an allowed decision, got %d", decision.RetryAfterSeconds)
	}
}

func TestAdmission_CheckRateLimit_QuotaExceeded(t *testing.T) {
	a := newTestAdmission()
	limits := Limits{PerMinute: 1, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	a.CheckRateLimit("client", limits)
	decision := a.CheckRateLimit("client", limits)
	if decision.Allowed {
		t.Fatal("expected second request to be denied by the quota tracker")
	}
	if decision.Remaining != 0 {
		t.Errorf("expected Remaining 0 on a denied decision, got %d", decision.Remaining)
	}
	if decision.RetryAfterSeconds < 1 {
		t.Errorf("expected RetryAfterSeconds >= 1 on a denied decision, got %d", decision.RetryAfterSeconds)
	}
}

func TestAdmission_CheckRateLimit_TokenBucketExceeded(t *testing.T) {
	a := newTestAdmission()
	// Quota window is generous, so the token bucket (sized to the same
	// per-minute limit) is the one that actually rejects the burst.
	limits := Limits{PerMinute: 1, PerHour: 1000, PerDay: 10000, PerMonth: 100000}

	a.CheckRateLimit("client", limits)
	decision := a.CheckRateLimit("client", limits)
	if decision.Allowed {
		t.Fatal("expected burst beyond the per-minute token bucket to be denied")
	}
}

func TestAdmission_Stats_TracksAllowAndDenyCounts(t *testing.T) {
	a := newTestAdmission()
	limits := Limits{PerMinute: 1, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	a.CheckRateLimit("client", limits)
	a.CheckRateLimit("client", limits)
	a.CheckRateLimit("client", limits)

	stats := a.Stats()
	if stats.Allowed != 1 {
		t.Errorf("expected 1 allowed decision, got %d", stats.Allowed)
	}
	if stats.Denied != 2 {
		t.Errorf("expected 2 denied decisions, got %d", stats.Denied)
	}
}

func TestAdmission_AcquireConcurrency(t *testing.T) {
	a := newTestAdmission()

	permit, ok := a.AcquireConcurrency("client", 1)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := a.AcquireConcurrency("client", 1); ok {
		t.Fatal("expected second acquire to fail at max concurrency 1")
	}
	permit.Release()
	if _, ok := a.AcquireConcurrency("client", 1); !ok {
		t.Fatal("expected acquire to succeed again after release")
	}
}
