// Package ratelimit implements a fixed-window request limiter keyed by an
// arbitrary string (client IP, user ID, or fingerprint).
//
// Counts live in process memory, so limits apply per server instance rather
// than globally. The count resets fully at each window boundary, which
// permits up to 2x the configured rate across a boundary. Both are accepted
// tradeoffs for an admission guard that sits in front of the durable quota
// accounting.
package ratelimit

import (
	"sync"
	"time"

	"github.com/finchlabs/easel/internal/metrics"
)

// DefaultMaxEntries bounds a limiter's key map when no explicit size is
// given.
const DefaultMaxEntries = 10000

// Decision reports the outcome of a single rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type window struct {
	count   int
	startAt time.Time
}

func (w *window) expired(now time.Time, span time.Duration) bool {
	return now.Sub(w.startAt) >= span
}

// Limiter tracks fixed windows per key. All methods are safe for concurrent
// use.
type Limiter struct {
	maxEntries int

	mu      sync.Mutex
	windows map[string]*window

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter bounded to maxEntries tracked keys. A maxEntries of
// zero or less uses DefaultMaxEntries.
func New(maxEntries int) *Limiter {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Limiter{
		maxEntries: maxEntries,
		windows:    make(map[string]*window),
		now:        time.Now,
	}
}

// Check consumes one slot for key against the given limit and window span.
// A denied check does not consume a slot.
func (l *Limiter) Check(key string, limit int, span time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || w.expired(now, span) {
		if !ok && len(l.windows) >= l.maxEntries {
			l.evictLocked(now, span)
		}
		l.windows[key] = &window{count: 1, startAt: now}
		return Decision{
			Allowed:   true,
			Remaining: limit - 1,
			ResetAt:   now.Add(span),
		}
	}

	resetAt := w.startAt.Add(span)
	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: limit - w.count,
		ResetAt:   resetAt,
	}
}

// Status reports the current window for key without consuming a slot.
func (l *Limiter) Status(key string, limit int, span time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || w.expired(now, span) {
		return Decision{
			Allowed:   true,
			Remaining: limit,
			ResetAt:   now.Add(span),
		}
	}

	resetAt := w.startAt.Add(span)
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d
}

// Reset clears the window for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Sweep removes windows that started more than maxAge ago. Callers run this
// on a ticker to keep the key map from growing without bound.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.startAt) >= maxAge {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// evictLocked drops expired windows, then arbitrary ones until a tenth of
// the capacity is free. Map iteration order makes the overflow eviction
// approximately random, which is fine for an in-memory guard. Caller holds
// l.mu.
func (l *Limiter) evictLocked(now time.Time, span time.Duration) {
	for key, w := range l.windows {
		if w.expired(now, span) {
			delete(l.windows, key)
		}
	}

	target := l.maxEntries - l.maxEntries/10
	if target < 1 {
		target = 1
	}
	for key := range l.windows {
		if len(l.windows) < target {
			break
		}
		delete(l.windows, key)
	}
}

// observeDenied records a denied check for the metrics scope label.
func observeDenied(scope string) {
	metrics.RateLimited.WithLabelValues(scope).Inc()
}
