// Package ratelimit implements a per-identity fixed-window request
// limiter. Counters live in the in-memory, non-persistent tier alongside
// sessions and nonces, so the backing store is a plain map guarded by a
// mutex — a restart resets every window, and that is acceptable for an
// admission throttle.
package ratelimit

import (
	"sync"
	"time"

	"github.com/wisbric/triad/pkg/triad"
)

// DefaultMax is the default request cap per window.
const DefaultMax = 30

// DefaultWindow is the default accounting window.
const DefaultWindow = 30 * time.Second

type counter struct {
	count       int
	windowStart time.Time
}

// Limiter is a per-identity fixed-window counter.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[triad.IdentityId]*counter
}

// New creates a Limiter. A non-positive max or window falls back to the
// package defaults.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		max:     max,
		window:  window,
		entries: make(map[triad.IdentityId]*counter),
	}
}

// Admit applies the window semantics: if the window has
// elapsed, reset to (count=1, windowStart=now); else if count >= max,
// reject; else increment and admit.
func (l *Limiter) Admit(id triad.IdentityId, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.entries[id]
	if !ok || now.Sub(c.windowStart) > l.window {
		l.entries[id] = &counter{count: 1, windowStart: now}
		return true
	}

	if c.count >= l.max {
		return false
	}
	c.count++
	return true
}

// Allows reports whether an Admit call at now would succeed, without
// consuming a slot. Callers that must order a rate-limit rejection ahead
// of other precondition checks use this before the verify pipeline
// performs the real admission.
func (l *Limiter) Allows(id triad.IdentityId, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.entries[id]
	if !ok || now.Sub(c.windowStart) > l.window {
		return true
	}
	return c.count < l.max
}

// Evict removes the counter for id, e.g. when an identity is disabled.
func (l *Limiter) Evict(id triad.IdentityId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

// Sweep drops windows that have fully elapsed, bounding storage to active
// identities. Intended to be called from a periodic scheduler tick.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, c := range l.entries {
		if now.Sub(c.windowStart) > l.window {
			delete(l.entries, id)
		}
	}
}

// Len reports the number of tracked identities. Exposed for metrics/tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
