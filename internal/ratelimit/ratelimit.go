// Package ratelimit implements per-key request budgets over a fixed 60-second
// window. Counters are process-local and reset on restart; after a restart the
// failure direction is over-permissive, which is the safe one for this check.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks one request counter per key id. Lookups share a sync.Map so
// unrelated keys never contend; each counter has its own mutex, so a caller
// blocks only on traffic for the same key.
type Limiter struct {
	window  time.Duration
	now     func() time.Time
	entries sync.Map // key id -> *counter
}

type counter struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// New returns a Limiter with the given window using the wall clock.
func New(window time.Duration) *Limiter {
	return NewWithClock(window, time.Now)
}

// NewWithClock returns a Limiter with an injected clock, for tests.
func NewWithClock(window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{window: window, now: now}
}

// Allow consumes one unit from the key's current window if doing so stays
// within limit. When the window is exhausted it consumes nothing and returns
// false along with the time until the window rolls over.
func (l *Limiter) Allow(keyID string, limit int) (ok bool, retryAfter time.Duration) {
	if limit <= 0 {
		return false, l.window
	}

	v, _ := l.entries.LoadOrStore(keyID, &counter{})
	c := v.(*counter)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := l.now()
	if c.start.IsZero() || now.Sub(c.start) >= l.window {
		c.start = now
		c.count = 0
	}

	if c.count >= limit {
		remaining := l.window - now.Sub(c.start)
		if remaining < time.Second {
			remaining = time.Second
		}
		return false, remaining
	}

	c.count++
	return true, 0
}

// Forget drops the counter for a key id. Called when a key is revoked or
// rotated so dead ids do not accumulate.
func (l *Limiter) Forget(keyID string) {
	l.entries.Delete(keyID)
}
