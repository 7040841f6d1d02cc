package access

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter is an in-memory sliding-window limiter keyed by
// (user, repo prefix).
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter creates a limiter using the wall clock.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// NewRateLimiterAt creates a limiter with an injected clock. Used in tests.
func NewRateLimiterAt(now func() time.Time) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string][]time.Time),
		now:     now,
	}
}

// Check records one invocation attempt. When the window is full it returns
// false and the duration until the oldest entry expires.
func (r *RateLimiter) Check(user, repoPrefix string, policy Policy) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s:%s", user, repoPrefix)
	now := r.now()
	window := time.Duration(policy.RateLimitWindow) * time.Millisecond

	fresh := r.buckets[key][:0:0]
	for _, t := range r.buckets[key] {
		if now.Sub(t) < window {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= policy.RateLimitPerUser {
		retryAfter := window - now.Sub(fresh[0])
		r.buckets[key] = fresh
		return false, retryAfter
	}

	r.buckets[key] = append(fresh, now)
	return true, 0
}

// Cleanup drops buckets with no entries newer than maxAge.
func (r *RateLimiter) Cleanup(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, timestamps := range r.buckets {
		fresh := timestamps[:0:0]
		for _, t := range timestamps {
			if now.Sub(t) < maxAge {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(r.buckets, key)
		} else {
			r.buckets[key] = fresh
		}
	}
}
