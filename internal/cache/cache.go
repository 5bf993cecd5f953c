// Package cache implements the scan-result cache described in the core
// spec: a bounded LRU with TTL keyed by content fingerprint, grounded on
// llm-shield-models/src/cache.rs's ResultCache.
package cache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"llmshield/internal/core"
)

// Config sizes a ResultCache.
type Config struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultConfig mirrors the reference implementation's defaults: 10,000
// entries, 5 minute TTL.
func DefaultConfig() Config {
	return Config{MaxSize: 10_000, TTL: 5 * time.Minute}
}

// Stats reports cache performance counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// TotalRequests is Hits + Misses.
func (s Stats) TotalRequests() uint64 { return s.Hits + s.Misses }

// HitRate is Hits / TotalRequests, or 0 if there have been no requests.
func (s Stats) HitRate() float64 {
	total := s.TotalRequests()
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key        string
	result     core.ScanResult
	insertedAt time.Time
	elem       *list.Element
}

// ResultCache is a thread-safe LRU+TTL cache of core.ScanResult, shared
// across pipeline invocations. Eviction is strict LRU keyed by the time
// of the last successful Get or Insert; expiration is lazy, checked on
// Get, and an expired hit counts as a miss.
type ResultCache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	order   *list.List // front = most recently used
	stats   Stats
}

// New builds a ResultCache with the given configuration.
func New(cfg Config) *ResultCache {
	return &ResultCache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// Get returns the cached result for key, or ok=false on miss or expiry.
// A hit repositions the entry as most recently used.
func (c *ResultCache) Get(key string) (core.ScanResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return core.ScanResult{}, false
	}
	if time.Since(e.insertedAt) >= c.cfg.TTL {
		c.removeLocked(e)
		c.stats.Misses++
		return core.ScanResult{}, false
	}
	c.order.MoveToFront(e.elem)
	c.stats.Hits++
	return e.result, true
}

// Insert stores result under key, evicting the least-recently-used entry
// if the cache is at capacity and key is new. Re-inserting an existing
// key refreshes its TTL and recency.
func (c *ResultCache) Insert(key string, result core.ScanResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxSize <= 0 {
		return
	}

	if e, ok := c.entries[key]; ok {
		e.result = result
		e.insertedAt = time.Now()
		c.order.MoveToFront(e.elem)
		return
	}

	if len(c.entries) >= c.cfg.MaxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*entry))
		}
	}

	e := &entry{key: key, result: result, insertedAt: time.Now()}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
}

func (c *ResultCache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Clear removes all entries without resetting statistics.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Len returns the number of entries, including any not yet lazily
// expired.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of hit/miss counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes hit/miss counters without affecting cached entries.
func (c *ResultCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

// HashKey produces a deterministic fingerprint of input, suitable as a
// cache key when combined with the scanner-identifying parameters that
// scoped the scan. Not collision-resistant against an adversary; per the
// core spec this cache must never be treated as security-sensitive.
func HashKey(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return fmt.Sprintf("%x", h.Sum64())
}
