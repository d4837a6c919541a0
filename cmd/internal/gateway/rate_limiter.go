package gateway

import (
	"sync"
	"time"
)

// RateLimiter bounds how many envelopes one websocket connection may submit
// per sliding window. Each connection gets its own limiter; the defaults in
// limits.go are sized for a chatty UI client, typing signals included.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter builds a limiter admitting at most limit events per window.
// Non-positive inputs fall back to the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at now and reports whether it fits the window.
// Timestamps arrive in read-loop order, so expiry only ever trims a prefix.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.events) && !r.events[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.events = append(r.events[:0], r.events[expired:]...)
	}

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
