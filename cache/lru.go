// Package cache provides a bounded, thread-safe LRU with hit and eviction
// accounting.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 512

// LRU is a fixed-capacity least-recently-used cache.
type LRU[K comparable, V any] struct {
	inner    *lru.Cache[K, V]
	capacity int
	mon      monitor
	onEvict  func(K, V)

	// writeMu serializes writers so that removals and purges, which
	// golang-lru reports through the eviction hook, can be told apart from
	// capacity evictions.
	writeMu    sync.Mutex
	suppressed bool
}

// Option configures an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithEvictCallback registers fn to run when an entry is evicted for
// capacity. Explicit removals and purges do not call it.
func WithEvictCallback[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *LRU[K, V]) { c.onEvict = fn }
}

// NewLRU creates a cache holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int, opts ...Option[K, V]) *LRU[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &LRU[K, V]{capacity: capacity}
	for _, opt := range opts {
		opt(c)
	}
	// lru.NewWithEvict only fails for a non-positive size.
	inner, _ := lru.NewWithEvict[K, V](capacity, c.evicted)
	c.inner = inner
	return c
}

func (c *LRU[K, V]) evicted(key K, value V) {
	if c.suppressed {
		return
	}
	c.mon.recordEvict()
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// Get returns the cached value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.mon.recordHit()
	} else {
		c.mon.recordMiss()
	}
	return v, ok
}

// Peek returns the cached value without touching recency or stats.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	return c.inner.Peek(key)
}

// Add inserts or replaces key and reports whether an eviction happened.
func (c *LRU[K, V]) Add(key K, value V) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mon.recordSet()
	return c.inner.Add(key, value)
}

// Remove deletes key without counting it as an eviction.
func (c *LRU[K, V]) Remove(key K) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.suppressed = true
	defer func() { c.suppressed = false }()
	return c.inner.Remove(key)
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.suppressed = true
	defer func() { c.suppressed = false }()
	c.inner.Purge()
	c.mon.recordPurge()
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int { return c.inner.Len() }

// Capacity returns the maximum number of entries.
func (c *LRU[K, V]) Capacity() int { return c.capacity }

// Keys returns keys from oldest to newest.
func (c *LRU[K, V]) Keys() []K { return c.inner.Keys() }

// Stats returns a snapshot of the counters.
func (c *LRU[K, V]) Stats() Stats {
	s := c.mon.snapshot()
	s.Size = c.inner.Len()
	s.Capacity = c.capacity
	return s
}

// ResetStats zeroes the counters.
func (c *LRU[K, V]) ResetStats() { c.mon.reset() }
