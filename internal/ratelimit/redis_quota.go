package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaStore is the capability Admission consumes for multi-window quota
// tracking; *QuotaTracker satisfies it for a single instance, and
// *RedisQuotaStore satisfies it for quota shared across gateway
// instances, per §4.11's note that the quota tracker must be safe to back
// with a shared store in a multi-instance deployment.
type QuotaStore interface {
	CheckAndIncrement(key string, limits Limits) bool
	Usage(key string, w Window) int
	TimeUntilReset(key string, w Window) int64
}

// RedisQuotaStoreConfig configures the Redis connection backing a
// RedisQuotaStore.
type RedisQuotaStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisQuotaStore is a QuotaStore backed by Redis: each (key, window) pair
// is its own Redis key, named after the window's own bucket boundary
// (e.g. the minute it started), so a plain INCR + EXPIRE is enough to
// both count and expire the window without separately persisting a
// reset_at timestamp the way the in-memory QuotaTracker does.
//
// This trades atomicity across the three gating windows for simplicity:
// CheckAndIncrement reads minute/hour/day counts, evaluates them against
// limits, and only then increments all four windows. Two concurrent
// requests against the same key can both observe "not yet at limit" and
// both increment, the same small over-admission window most Redis-backed
// token/quota implementations accept in exchange for avoiding a Lua
// script; exact enforcement is not a goal the reference quota tracker
// claims for a single instance either; the in-memory QuotaTracker is
// the only one with a single mutex-guarded read-then-write.
type RedisQuotaStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisQuotaStore connects to Redis and returns a RedisQuotaStore.
func NewRedisQuotaStore(cfg RedisQuotaStoreConfig) (*RedisQuotaStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "llmshield:quota:"
	}

	return &RedisQuotaStore{client: client, keyPrefix: keyPrefix}, nil
}

// bucketStart truncates now to the start of w's current bucket, the same
// boundary nextBoundary's window-reset logic uses for the in-memory
// tracker, so both implementations reset in lockstep if run side by side
// during a migration.
func bucketStart(now time.Time, w Window) time.Time {
	switch w {
	case Minute:
		return now.Truncate(time.Minute)
	case Hour:
		return now.Truncate(time.Hour)
	case Day:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case Month:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	default:
		return now
	}
}

// windowTTL is how long the bucket key should live: comfortably past the
// bucket's own duration so a slow reader never sees a key vanish mid-use,
// but never more than one bucket stale.
func windowTTL(w Window) time.Duration {
	switch w {
	case Minute:
		return 2 * time.Minute
	case Hour:
		return 2 * time.Hour
	case Day:
		return 25 * time.Hour
	case Month:
		return 32 * 24 * time.Hour
	default:
		return time.Minute
	}
}

func (s *RedisQuotaStore) bucketKey(key string, w Window, now time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", s.keyPrefix, key, w, bucketStart(now, w).Unix())
}

// CheckAndIncrement mirrors QuotaTracker.CheckAndIncrement: minute, hour,
// and day gate admission (month is tracked but never enforced, matching
// clientQuota.exceeds), and a pass increments all four windows.
func (s *RedisQuotaStore) CheckAndIncrement(key string, limits Limits) bool {
	ctx := context.Background()
	now := time.Now()

	gating := []struct {
		w     Window
		limit int
	}{
		{Minute, limits.PerMinute},
		{Hour, limits.PerHour},
		{Day, limits.PerDay},
	}
	for _, g := range gating {
		if s.Usage(key, g.w) >= g.limit {
			return false
		}
	}

	for _, w := range allWindows {
		bk := s.bucketKey(key, w, now)
		pipe := s.client.TxPipeline()
		pipe.Incr(ctx, bk)
		pipe.Expire(ctx, bk, windowTTL(w))
		if _, err := pipe.Exec(ctx); err != nil {
			// Redis is unreachable; fail closed on the side of denying
			// rather than silently granting unlimited quota.
			return false
		}
	}
	return true
}

// Usage returns the current count for a window without mutating state.
func (s *RedisQuotaStore) Usage(key string, w Window) int {
	ctx := context.Background()
	val, err := s.client.Get(ctx, s.bucketKey(key, w, time.Now())).Result()
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return n
}

// TimeUntilReset returns the seconds remaining until w's bucket boundary
// for key, computed the same way the in-memory QuotaTracker computes it
// (nextBoundary), rather than read off the bucket key's own Redis TTL —
// that TTL is padded past the bucket's real lifetime (see windowTTL) so a
// slow reader never loses the key early, which would otherwise make
// TimeUntilReset over-report. A key with no recorded usage has nothing to
// reset, so it reports 0, matching QuotaTracker's zero-state behavior.
func (s *RedisQuotaStore) TimeUntilReset(key string, w Window) int64 {
	if s.Usage(key, w) == 0 {
		return 0
	}
	now := time.Now()
	remaining := int64(nextBoundary(now, w).Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Close closes the Redis connection.
func (s *RedisQuotaStore) Close() error {
	return s.client.Close()
}
