package papersources

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum delay between consecutive requests to one
// provider. Each adapter owns its own limiter; limiters are never shared
// between providers. It is safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter

	mu       sync.RWMutex
	minDelay time.Duration
}

// NewRateLimiter creates a limiter that admits one request per minDelay.
// A non-positive minDelay disables limiting.
//
// Example configurations:
//   - arXiv: NewRateLimiter(3 * time.Second)
//   - Semantic Scholar: NewRateLimiter(time.Second)
func NewRateLimiter(minDelay time.Duration) *RateLimiter {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(limit, 1),
		minDelay: minDelay,
	}
}

// Wait blocks until the next request is allowed or the context is canceled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// MinDelay returns the current minimum inter-request delay.
func (r *RateLimiter) MinDelay() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minDelay
}

// SetMinDelay changes the minimum delay. The HTTP client raises it when a
// provider answers 429 with a Retry-After longer than the current spacing.
func (r *RateLimiter) SetMinDelay(minDelay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minDelay = minDelay
	if minDelay <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Every(minDelay))
}

// raiseMinDelay widens the spacing to d when limiting is enabled and d is
// longer than the current delay. It reports whether the delay changed.
func (r *RateLimiter) raiseMinDelay(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.minDelay <= 0 || d <= r.minDelay {
		return false
	}
	r.minDelay = d
	r.limiter.SetLimit(rate.Every(d))
	return true
}
