package safeguards

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the rate-limiter gate (spec.md §4.5 "Rate limiter"): a
// per-operation-class token bucket. Buckets are created lazily per class
// and refill at the configured rate.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// NewRateLimiter constructs a RateLimiter with ratePerMinute refill and the
// given burst size, shared by every operation class bucket created.
func NewRateLimiter(ratePerMinute float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		r:       rate.Limit(ratePerMinute / 60),
		burst:   burst,
	}
}

func (rl *RateLimiter) Name() string { return "rate_limiter" }

func (rl *RateLimiter) Check(_ context.Context, target Target) Verdict {
	class := target.OpClass
	if class == "" {
		class = "default"
	}

	rl.mu.Lock()
	b, ok := rl.buckets[class]
	if !ok {
		b = rate.NewLimiter(rl.r, rl.burst)
		rl.buckets[class] = b
	}
	rl.mu.Unlock()

	if !b.Allow() {
		retryAfter := time.Duration(0)
		if rl.r > 0 {
			retryAfter = time.Duration(float64(time.Second) / float64(rl.r))
		}
		return Verdict{Allow: false, Reason: "token bucket exhausted for operation class " + class, RetryAfter: retryAfter}
	}
	return Verdict{Allow: true}
}

var _ Gate = (*RateLimiter)(nil)
