package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterFailMax(t *testing.T) {
	b := NewBreaker("pubmed", 5, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.Snapshot().State, "failure %d should not open", i+1)
	}

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.Snapshot().State)

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	var coe *CircuitOpenError
	require.True(t, errors.As(err, &coe))
	assert.Equal(t, "pubmed", coe.Endpoint)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker("arxiv", 2, time.Minute)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.Snapshot().State)

	// Before the reset timeout the breaker fails fast.
	require.Error(t, b.Allow())

	// After the timeout exactly one probe is admitted.
	now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	require.Error(t, b.Allow(), "second concurrent probe must be rejected")

	b.RecordSuccess()
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("medrxiv", 1, time.Minute)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.Snapshot().State)

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.OpenedAt)
	assert.Equal(t, now, *snap.OpenedAt, "opened_at must be refreshed on half-open failure")
}

func TestBreakerPermanentOutcomeFreesHalfOpenSlot(t *testing.T) {
	now := time.Now()
	b := NewBreaker("doaj", 2, time.Minute)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.Snapshot().State)

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.Snapshot().State)

	// The admitted call ends with a 4xx. That says nothing about endpoint
	// health, but the slot must come back or no later call is ever admitted.
	b.RecordPermanent()

	require.NoError(t, b.Allow(), "next caller must get the half-open slot")
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestRegistrySharesBreakersPerEndpoint(t *testing.T) {
	r := NewRegistry(5, time.Minute, nil)
	a := r.Get("pubmed")
	b := r.Get("pubmed")
	c := r.Get("doaj")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	a.RecordFailure()
	snaps := r.Snapshots()
	assert.Equal(t, 1, snaps["pubmed"].Failures)
	assert.Equal(t, 0, snaps["doaj"].Failures)
}

func TestRetryPolicyStopsOnPermanent(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialInterval: time.Millisecond, Multiplier: 1, RandomizationFactor: 0}

	calls := 0
	err := p.Retry(t.Context(), func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesTransient(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialInterval = time.Millisecond

	calls := 0
	err := p.Retry(t.Context(), func() error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "two retries after the initial attempt")
}
