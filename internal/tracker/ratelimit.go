package tracker

import (
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter enforces a minimum interval between emissions per key. Used
// to keep auxiliary session signals from flooding the agent log. Owned by
// the agent process and injected, never ambient.
type RateLimiter struct {
	interval time.Duration
	clock    clock.Clock
	last     map[string]time.Time
}

// NewRateLimiter creates a limiter with the given minimum inter-emission
// interval per key.
func NewRateLimiter(interval time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		interval: interval,
		clock:    clk,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether an emission for key is permitted now, and if so
// records it.
func (r *RateLimiter) Allow(key string) bool {
	now := r.clock.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}

// Reset forgets all recorded emissions.
func (r *RateLimiter) Reset() {
	r.last = make(map[string]time.Time)
}
