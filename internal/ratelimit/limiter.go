package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket is a classic token bucket: capacity tokens, refilled at
// refillRate tokens/sec, lazily topped up on each Check. All per-key
// buckets are stored as *tokenBucket so that every caller sharing a key
// shares one mutable bucket — unlike the reference implementation, where
// cloning a ClientLimiter instead handed out an independent governor
// limiter and silently stopped sharing bucket state across clones. Here
// there is nothing to clone: callers hold the key, and TokenBucketLimiter
// owns the only *tokenBucket for it.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	updatedAt  time.Time
}

func newTokenBucket(capacity float64, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		updatedAt:  time.Now(),
	}
}

func (b *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.updatedAt = now
}

// tryTake attempts to remove one token, returning whether it succeeded.
func (b *tokenBucket) tryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// resetAt estimates when at least one token will next be available.
func (b *tokenBucket) resetAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		return time.Now()
	}
	deficit := 1 - b.tokens
	seconds := deficit / b.refillRate
	return time.Now().Add(time.Duration(seconds * float64(time.Second)))
}

// TokenBucketLimiter hands out one shared *tokenBucket per key, sized and
// refilled from the per-tier requests_per_minute, per §4.12.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewTokenBucketLimiter returns an empty limiter.
func NewTokenBucketLimiter() *TokenBucketLimiter {
	return &TokenBucketLimiter{buckets: make(map[string]*tokenBucket)}
}

func (l *TokenBucketLimiter) bucketFor(key string, requestsPerMinute int) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if ok {
		return b
	}
	capacity := float64(requestsPerMinute)
	if capacity <= 0 {
		capacity = 1
	}
	b = newTokenBucket(capacity, capacity/60.0)
	l.buckets[key] = b
	return b
}

// Check consumes one token for key if available, sized against
// requestsPerMinute on first use. The bucket persists across calls for
// the same key regardless of how many goroutines hold a reference to
// this limiter, since they all resolve to the same *tokenBucket.
func (l *TokenBucketLimiter) Check(key string, requestsPerMinute int) bool {
	return l.bucketFor(key, requestsPerMinute).tryTake()
}

// ResetAt returns the estimated time at which key will next have a token
// available, sized against requestsPerMinute on first use.
func (l *TokenBucketLimiter) ResetAt(key string, requestsPerMinute int) time.Time {
	return l.bucketFor(key, requestsPerMinute).resetAt()
}

// RetryAfterSeconds returns the whole-second ceiling of the wait until
// key's bucket next admits a request, minimum 1.
func (l *TokenBucketLimiter) RetryAfterSeconds(key string, requestsPerMinute int) int64 {
	wait := time.Until(l.ResetAt(key, requestsPerMinute))
	secs := int64(wait.Seconds())
	if wait%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CleanupIdle drops any bucket untouched for longer than idleFor and
// currently at full capacity, returning the number removed.
func (l *TokenBucketLimiter) CleanupIdle(idleFor time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.updatedAt) > idleFor && b.tokens >= b.capacity
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
