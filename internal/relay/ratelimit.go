package relay

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-user token bucket on inbound frames. A
// zero-rate limiter allows everything.
type RateLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter allowing rpm frames per minute with
// the given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	var r rate.Limit
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &RateLimiter{rate: r, burst: burst, buckets: make(map[string]*bucket)}
}

// Allow reports whether one more frame from the user fits the budget.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.rate == 0 {
		return true
	}

	rl.mu.Lock()
	b, ok := rl.buckets[userID]
	if !ok {
		rl.prune()
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[userID] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	if !b.limiter.Allow() {
		slog.Warn("relay: rate limited", "user", userID)
		return false
	}
	return true
}

// prune drops buckets idle long enough to have refilled completely.
// Called with rl.mu held, on the bucket-creation slow path.
func (rl *RateLimiter) prune() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for k, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}
