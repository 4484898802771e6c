package jobqueue

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter is a per-owner sliding window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows limit admissions per owner in any window.
func NewRateLimiter(limit int, window time.Duration, clock func() time.Time) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      clock,
	}
}

// Limit returns the admissions allowed per window.
func (rl *RateLimiter) Limit() int { return rl.limit }

// Window returns the window length.
func (rl *RateLimiter) Window() time.Duration { return rl.window }

// Allow records an admission for owner if it fits in the window.
func (rl *RateLimiter) Allow(owner string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recentLocked(owner, now)
	if len(recent) >= rl.limit {
		rl.requests[owner] = recent
		return false
	}
	rl.requests[owner] = append(recent, now)
	return true
}

// RetryAfter returns how long until owner gets a free slot, rounded up to
// whole seconds. It is zero when a slot is free now.
func (rl *RateLimiter) RetryAfter(owner string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recentLocked(owner, now)
	if len(recent) < rl.limit {
		return 0
	}

	wait := rl.window - now.Sub(recent[0])
	if wait <= 0 {
		return 0
	}
	return ((wait + time.Second - 1) / time.Second) * time.Second
}

// RemainingQuota returns how many more admissions owner has in the window.
func (rl *RateLimiter) RemainingQuota(owner string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := rl.limit - len(rl.recentLocked(owner, rl.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns the remaining quota of every owner with an admission
// inside the window.
func (rl *RateLimiter) Snapshot() map[string]int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	out := make(map[string]int, len(rl.requests))
	for owner := range rl.requests {
		recent := rl.recentLocked(owner, now)
		if len(recent) == 0 {
			continue
		}
		remaining := rl.limit - len(recent)
		if remaining < 0 {
			remaining = 0
		}
		out[owner] = remaining
	}
	return out
}

// Cleanup drops owners with no admission inside the window and returns how
// many were dropped.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	dropped := 0
	for owner := range rl.requests {
		recent := rl.recentLocked(owner, now)
		if len(recent) == 0 {
			delete(rl.requests, owner)
			dropped++
			continue
		}
		rl.requests[owner] = recent
	}
	return dropped
}

func (rl *RateLimiter) recentLocked(owner string, now time.Time) []time.Time {
	reqs := rl.requests[owner]
	i := 0
	for i < len(reqs) && now.Sub(reqs[i]) >= rl.window {
		i++
	}
	return reqs[i:]
}
