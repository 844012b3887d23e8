// Package cache provides a process-local TTL cache for usage records.
//
// The cache is a latency optimization only, never a source of truth: every
// successful store write deletes the corresponding key (no write-through),
// forcing the next read back to the store. Entries older than their TTL are
// treated as absent. The cache is explicitly allowed to be inconsistent
// across server instances.
package cache

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxSize bounds the cache when no explicit size is given.
const DefaultMaxSize = 1000

type entry[V any] struct {
	value     V
	writtenAt time.Time
	ttl       time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) > e.ttl
}

// Cache is a mutex-guarded TTL map. The zero value is not usable; construct
// with New.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	maxSize int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache bounded to maxSize entries. A maxSize of zero or less
// uses DefaultMaxSize.
func New[V any](maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached value for key. Expired entries are removed and
// reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL, evicting expired and then
// oldest entries when the cache is full.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = entry[V]{
		value:     value,
		writtenAt: c.now(),
		ttl:       ttl,
	}
}

// Delete removes the entry for key. This is the only invalidation path the
// usage service uses after store writes.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear empties the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len returns the number of entries, including any not yet swept expired
// ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest fifth by write time if
// the cache is still full. Caller holds c.mu.
func (c *Cache[V]) evictLocked() {
	now := c.now()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	type aged struct {
		key       string
		writtenAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.writtenAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].writtenAt.Before(all[j].writtenAt)
	})

	drop := c.maxSize / 5
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}
