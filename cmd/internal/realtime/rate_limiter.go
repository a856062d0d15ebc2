package realtime

import "time"

// RateLimiter admits at most limit events in any window-long span.
// It remembers the times of the last limit admitted events in a ring, so
// Allow is O(1). Not safe for concurrent use; each connection owns one.
type RateLimiter struct {
	limit  int
	window time.Duration

	ring []time.Time
	head int // oldest entry once the ring is full
	n    int
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs take the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		ring:   make([]time.Time, limit),
	}
}

// Allow reports whether an event at now is admitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.n < r.limit {
		r.ring[(r.head+r.n)%r.limit] = now
		r.n++
		return true
	}
	if now.Sub(r.ring[r.head]) < r.window {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % r.limit
	return true
}
