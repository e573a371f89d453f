// Package quotecache provides the small freshness-bounded caches sitting
// inside the upstream clients: the CEX ticker snapshot, the CEX contract
// metadata and the per-mint DEX quote cache.
package quotecache

import (
	"sync"
	"time"
)

// Snapshot caches a single value with a whole-value TTL. Used for the
// batched CEX responses where one network call refreshes everything.
type Snapshot[T any] struct {
	mu  sync.RWMutex
	val T
	at  time.Time
	ttl time.Duration
	set bool
}

// NewSnapshot creates a snapshot cache with the given TTL.
func NewSnapshot[T any](ttl time.Duration) *Snapshot[T] {
	return &Snapshot[T]{ttl: ttl}
}

// Get returns the cached value if it is still fresh.
func (s *Snapshot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set || time.Since(s.at) >= s.ttl {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Last returns the cached value regardless of freshness. The scheduler
// refreshes the CEX snapshot once per cycle; per-token lookups then read
// whatever the cycle primed even when the cycle outlives the TTL.
func (s *Snapshot[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Set stores a new value and restarts the TTL clock.
func (s *Snapshot[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val = v
	s.at = time.Now()
	s.set = true
}

// Keyed caches values per key with a per-entry TTL. GetStale ignores the
// TTL; the DEX-A anomaly fallback needs the last value even when expired.
type Keyed[V any] struct {
	mu      sync.RWMutex
	entries map[string]keyedEntry[V]
	ttl     time.Duration
}

type keyedEntry[V any] struct {
	val V
	at  time.Time
}

// NewKeyed creates a per-key cache with the given TTL.
func NewKeyed[V any](ttl time.Duration) *Keyed[V] {
	return &Keyed[V]{entries: make(map[string]keyedEntry[V]), ttl: ttl}
}

// Get returns the value for key if it is still fresh.
func (c *Keyed[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.at) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.val, true
}

// GetStale returns the last value for key regardless of freshness.
func (c *Keyed[V]) GetStale(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores a value for key.
func (c *Keyed[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = keyedEntry[V]{val: v, at: time.Now()}
}
