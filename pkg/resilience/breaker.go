package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"qi-agent/core/internal/utils"
)

// BreakerState is the circuit state for one endpoint.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the breaker refuses a call outright.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError carries the endpoint so callers can report which vendor is
// degraded without exposing internals to the user.
type CircuitOpenError struct {
	Endpoint string
	OpenedAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for endpoint %s", e.Endpoint)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Snapshot is the observable breaker state included in audit entries.
type Snapshot struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt *time.Time   `json:"opened_at,omitempty"`
}

// Breaker is a per-endpoint circuit breaker. Failures are counted only for
// errors the caller classified as transient; a success in half-open closes
// the circuit and resets counters.
type Breaker struct {
	endpoint     string
	failMax      int
	resetTimeout time.Duration

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenBusy bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for one endpoint key.
func NewBreaker(endpoint string, failMax int, resetTimeout time.Duration) *Breaker {
	if failMax <= 0 {
		failMax = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{
		endpoint:     endpoint,
		failMax:      failMax,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Allow decides whether a call may proceed. In half-open state only a single
// probe is admitted at a time; the caller must report the outcome via
// RecordSuccess, RecordFailure or RecordPermanent.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.halfOpenBusy = true
			return nil
		}
		opened := b.openedAt
		return &CircuitOpenError{Endpoint: b.endpoint, OpenedAt: opened}
	case StateHalfOpen:
		if b.halfOpenBusy {
			opened := b.openedAt
			return &CircuitOpenError{Endpoint: b.endpoint, OpenedAt: opened}
		}
		b.halfOpenBusy = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenBusy = false
}

// RecordPermanent reports a call that completed with a non-transient outcome:
// a permanent vendor error, a rate-limit wait failure or a cancellation. It
// proves nothing about endpoint health either way, so it only releases the
// half-open slot; state and failure counts are untouched.
func (b *Breaker) RecordPermanent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenBusy = false
}

// RecordFailure reports a call that failed with a transient classification.
// Permanent errors and cancellations must not be reported here.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.halfOpenBusy = false
	case StateClosed:
		b.failures++
		if b.failures >= b.failMax {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateOpen:
		// Already open; refresh nothing. The reset clock keeps running.
	}
}

// Snapshot returns the current observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{State: b.state, Failures: b.failures}
	if b.state != StateClosed {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}

// Registry holds one breaker per endpoint key, shared across all agents in a
// session so failures observed by one agent protect the rest.
type Registry struct {
	failMax      int
	resetTimeout time.Duration
	logger       utils.ExtendedLogger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared defaults.
func NewRegistry(failMax int, resetTimeout time.Duration, logger utils.ExtendedLogger) *Registry {
	return &Registry{
		failMax:      failMax,
		resetTimeout: resetTimeout,
		logger:       logger,
		breakers:     make(map[string]*Breaker),
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := NewBreaker(endpoint, r.failMax, r.resetTimeout)
	r.breakers[endpoint] = b
	if r.logger != nil {
		r.logger.Debugf("created circuit breaker for endpoint %s (fail_max=%d reset=%s)", endpoint, r.failMax, r.resetTimeout)
	}
	return b
}

// Snapshots returns the state of every known breaker, for diagnostics.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.Snapshot()
	}
	return out
}
