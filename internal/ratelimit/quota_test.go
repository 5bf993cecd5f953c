package ratelimit

import "testing"

func TestQuotaTracker_CheckAndIncrement(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 2, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	if !tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected first request to be admitted")
	}
	if !tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected second request to be admitted")
	}
	if tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected third request to exceed the per-minute limit")
	}
}

func TestQuotaTracker_PerKeyIsolation(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 1, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	if !tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected key a's first request to be admitted")
	}
	if !tr.CheckAndIncrement("b", limits) {
		t.Fatal("expected key b's first request to be admitted independently of a")
	}
	if tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected key a's second request to be denied")
	}
}

func TestQuotaTracker_HourGatesBeforeMinuteResets(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 1000, PerHour: 1, PerDay: 1000, PerMonth: 10000}

	if !tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected first request to be admitted")
	}
	if tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected second request to be denied by the hour window even though minute has headroom")
	}
}

func TestQuotaTracker_MonthTrackedNotEnforced(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 1000, PerHour: 1000, PerDay: 1000, PerMonth: 1}

	if !tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected first request to be admitted")
	}
	if !tr.CheckAndIncrement("a", limits) {
		t.Fatal("expected second request to be admitted even though month count already hit its cap, since month is not enforced")
	}
	if got := tr.Usage("a", Month); got != 2 {
		t.Errorf("expected month usage to still be incremented to 2, got %d", got)
	}
}

func TestQuotaTracker_Usage(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 10, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	tr.CheckAndIncrement("a", limits)
	tr.CheckAndIncrement("a", limits)
	if got := tr.Usage("a", Minute); got != 2 {
		t.Errorf("expected minute usage 2, got %d", got)
	}
	if got := tr.Usage("unseen", Minute); got != 0 {
		t.Errorf("expected unseen key usage 0, got %d", got)
	}
}

func TestQuotaTracker_TimeUntilReset(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 10, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	if got := tr.TimeUntilReset("never-seen", Minute); got != 0 {
		t.Errorf("expected 0 for an untracked key, got %d", got)
	}

	tr.CheckAndIncrement("a", limits)
	if got := tr.TimeUntilReset("a", Minute); got <= 0 || got > 60 {
		t.Errorf("expected a reset time within the current minute, got %d", got)
	}
}

func TestQuotaTracker_ClientCount(t *testing.T) {
	tr := NewQuotaTracker()
	limits := Limits{PerMinute: 10, PerHour: 100, PerDay: 1000, PerMonth: 10000}

	tr.CheckAndIncrement("a", limits)
	tr.CheckAndIncrement("b", limits)
	if got := tr.ClientCount(); got != 2 {
		t.Errorf("expected 2 tracked clients, got %d", got)
	}
}
