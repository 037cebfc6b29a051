package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiters holds a token bucket per endpoint. The bucket sits in front of
// the HTTP cache so even cache misses respect the vendor's fill rate.
type RateLimiters struct {
	defaultRate float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rates    map[string]float64
}

// NewRateLimiters creates a limiter set. perEndpoint maps endpoint keys to
// requests-per-second; anything absent falls back to defaultRate.
func NewRateLimiters(defaultRate float64, perEndpoint map[string]float64) *RateLimiters {
	if defaultRate <= 0 {
		defaultRate = 2.0
	}
	rates := make(map[string]float64, len(perEndpoint))
	for k, v := range perEndpoint {
		rates[k] = v
	}
	return &RateLimiters{
		defaultRate: defaultRate,
		limiters:    make(map[string]*rate.Limiter),
		rates:       rates,
	}
}

// Wait blocks until the endpoint's bucket admits one request or the context
// expires.
func (r *RateLimiters) Wait(ctx context.Context, endpoint string) error {
	return r.limiter(endpoint).Wait(ctx)
}

func (r *RateLimiters) limiter(endpoint string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[endpoint]; ok {
		return l
	}
	rps := r.defaultRate
	if v, ok := r.rates[endpoint]; ok && v > 0 {
		rps = v
	}
	l := rate.NewLimiter(rate.Limit(rps), 1)
	r.limiters[endpoint] = l
	return l
}
