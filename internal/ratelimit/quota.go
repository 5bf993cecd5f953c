// Package ratelimit implements the multi-window quota tracker, the
// per-minute token-bucket limiter, the concurrency limiter, and their
// composition into a single admission decision. Grounded on the
// reference llm-shield-api/src/rate_limiting/{quota,limiter,concurrent}.rs.
package ratelimit

import (
	"sync"
	"time"
)

// Window identifies one of the four rolling quota windows.
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
	Month  Window = "month"
)

// Limits is the set of per-window caps a tier is allowed.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
	PerMonth  int
}

// windowState tracks one rolling window's count and reset boundary.
type windowState struct {
	count   int
	resetAt time.Time
}

func nextBoundary(now time.Time, w Window) time.Time {
	switch w {
	case Minute:
		return now.Truncate(time.Minute).Add(time.Minute)
	case Hour:
		return now.Truncate(time.Hour).Add(time.Hour)
	case Day:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	case Month:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	default:
		return now
	}
}

func (ws *windowState) update(now time.Time) {
	if ws.resetAt.IsZero() || !now.Before(ws.resetAt) {
		*ws = windowState{count: 0}
	}
}

// clientQuota is the four-window counter set for one key.
type clientQuota struct {
	mu      sync.Mutex
	minute  windowState
	hour    windowState
	day     windowState
	month   windowState
}

func (q *clientQuota) state(w Window) *windowState {
	switch w {
	case Minute:
		return &q.minute
	case Hour:
		return &q.hour
	case Day:
		return &q.day
	case Month:
		return &q.month
	default:
		return nil
	}
}

var allWindows = []Window{Minute, Hour, Day, Month}

// QuotaTracker holds per-key ClientQuotas and composes their update,
// check, and increment under a single per-key lock, per §4.11.
type QuotaTracker struct {
	mu      sync.RWMutex
	clients map[string]*clientQuota
}

// NewQuotaTracker returns an empty tracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{clients: make(map[string]*clientQuota)}
}

func (t *QuotaTracker) getOrCreate(key string) *clientQuota {
	t.mu.RLock()
	q, ok := t.clients[key]
	t.mu.RUnlock()
	if ok {
		return q
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.clients[key]; ok {
		return q
	}
	q = &clientQuota{}
	t.clients[key] = q
	return q
}

// CheckAndIncrement performs the lazy-reset, check, and atomic
// four-window increment described in §4.11: under key's lock, any
// expired window is reset, then if any window's count already meets its
// limit the call is denied with no increment; otherwise all four windows
// are incremented and the call succeeds. Note that, matching the
// reference implementation, only minute/hour/day gate admission here —
// Exceeds intentionally does not consult the month window even though it
// is tracked and incremented (see Exceeds).
func (t *QuotaTracker) CheckAndIncrement(key string, limits Limits) bool {
	q := t.getOrCreate(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, w := range allWindows {
		q.state(w).update(now)
	}

	if q.exceeds(limits) {
		return false
	}

	for _, w := range allWindows {
		ws := q.state(w)
		if ws.resetAt.IsZero() {
			ws.resetAt = nextBoundary(now, w)
		}
		ws.count++
	}
	return true
}

// exceeds reports whether the minute, hour, or day window has already
// reached its limit. Month is tracked but not enforced, matching the
// reference ClientQuota::exceeds.
func (q *clientQuota) exceeds(limits Limits) bool {
	return q.minute.count >= limits.PerMinute ||
		q.hour.count >= limits.PerHour ||
		q.day.count >= limits.PerDay
}

// Usage returns the current count for a window without mutating state,
// after applying lazy reset.
func (t *QuotaTracker) Usage(key string, w Window) int {
	q := t.getOrCreate(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.state(w)
	ws.update(time.Now())
	return ws.count
}

// TimeUntilReset returns the seconds remaining until w's boundary for
// key, or 0 if there is no tracked state yet.
func (t *QuotaTracker) TimeUntilReset(key string, w Window) int64 {
	q := t.getOrCreate(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.state(w)
	if ws.resetAt.IsZero() {
		return 0
	}
	remaining := int64(ws.resetAt.Sub(time.Now()).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CleanupExpired removes clients whose every window has already reset,
// returning the number removed.
func (t *QuotaTracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, q := range t.clients {
		q.mu.Lock()
		allExpired := true
		for _, w := range allWindows {
			ws := q.state(w)
			if !ws.resetAt.IsZero() && now.Before(ws.resetAt) {
				allExpired = false
				break
			}
		}
		q.mu.Unlock()
		if allExpired {
			delete(t.clients, key)
			removed++
		}
	}
	return removed
}

// ClientCount returns the number of tracked keys.
func (t *QuotaTracker) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}
