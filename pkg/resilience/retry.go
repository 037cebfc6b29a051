package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes the transient-error retry behavior for one endpoint.
// Policies are injected; adapters never hard-code their own exponents.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	Multiplier      float64
	// RandomizationFactor is the jitter fraction applied to each interval.
	RandomizationFactor float64
}

// DefaultRetryPolicy retries transient failures at most twice with
// exponential backoff (base 0.5s, factor 2, jitter up to 20%).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          2,
		InitialInterval:     500 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// Retry runs op under the policy. op must return a permanent error wrapped
// with Permanent() to stop early; transient errors are retried up to
// MaxRetries times. Context cancellation stops immediately.
func (p RetryPolicy) Retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.MaxRetries), ctx))
}

// Permanent marks an error as non-retryable for Retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
