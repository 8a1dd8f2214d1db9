package policy

import (
	"sync"
	"time"
)

// RateLimitWindow is the sliding window the hourly budget applies to.
const RateLimitWindow = time.Hour

// RateLimiter is a sliding-window counter shared by every Full-mode session
// of a process. Consumed slots are never returned.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// NewRateLimiter allows limit actions per hour. A limit of zero or less
// allows nothing.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit, window: RateLimitWindow, now: time.Now}
}

// Allow records one action and reports whether it fit in the window.
// The check and the record happen under one lock.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit <= 0 {
		return false
	}
	now := r.now()
	r.prune(now)
	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// Remaining returns how many actions the window still has room for.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit <= 0 {
		return 0
	}
	r.prune(r.now())
	return r.limit - len(r.events)
}

// Limit returns the configured hourly budget.
func (r *RateLimiter) Limit() int { return r.limit }

// prune drops events older than the window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && !r.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append(r.events[:0], r.events[i:]...)
	}
}
