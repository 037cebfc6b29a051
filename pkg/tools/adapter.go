package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"qi-agent/core/pkg/resilience"
)

// MethodSpec declares one invokable method of an adapter together with its
// parameter and result schemas.
type MethodSpec struct {
	Name         string
	Description  string
	ParamSchema  *jsonschema.Schema
	ResultSchema *jsonschema.Schema
}

// Result is the normalized outcome of one tool method.
type Result struct {
	// Data carries method-specific structured output.
	Data map[string]any `json:"data,omitempty"`
	// Findings carries normalized evidence items for search methods.
	Findings []Finding `json:"findings,omitempty"`
	// CacheHit is true when the HTTP layer served the exchange from cache.
	CacheHit bool `json:"cache_hit"`
	// Unavailable marks an adapter disabled for missing credentials. This is
	// a typed result, not an error; agent construction never fails on it.
	Unavailable       bool   `json:"unavailable,omitempty"`
	UnavailableReason string `json:"unavailable_reason,omitempty"`
}

// Adapter wraps one external API into the uniform tool interface.
type Adapter interface {
	Name() string
	Methods() []MethodSpec
	Invoke(ctx context.Context, method string, params map[string]any) (*Result, error)
}

// Invocation is the audit record of one tool call.
type Invocation struct {
	Tool      string               `json:"tool"`
	Method    string               `json:"method"`
	Params    map[string]any       `json:"params"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	CacheHit  bool                 `json:"cache_hit"`
	Breaker   *resilience.Snapshot `json:"breaker,omitempty"`
	Error     string               `json:"error,omitempty"`
	Result    *Result              `json:"-"`
}

// Runner executes adapter calls behind the shared breaker registry, the
// per-endpoint rate limiter and the injected retry policy. Agents never call
// adapters directly.
type Runner struct {
	breakers *resilience.Registry
	limits   *resilience.RateLimiters
	retry    resilience.RetryPolicy
	deadline time.Duration
}

// NewRunner wires the resilience layer around tool invocations. deadline is
// the hard per-call ceiling; zero means 30s.
func NewRunner(breakers *resilience.Registry, limits *resilience.RateLimiters, retry resilience.RetryPolicy, deadline time.Duration) *Runner {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Runner{breakers: breakers, limits: limits, retry: retry, deadline: deadline}
}

// Invoke runs one tool method. Transient failures are retried under the
// policy; CircuitOpen is reported immediately and never retried in-turn.
func (r *Runner) Invoke(ctx context.Context, adapter Adapter, method string, params map[string]any) (*Invocation, error) {
	endpoint := adapter.Name()
	breaker := r.breakers.Get(endpoint)

	inv := &Invocation{
		Tool:      endpoint,
		Method:    method,
		Params:    params,
		StartedAt: time.Now(),
	}
	finish := func(res *Result, err error) (*Invocation, error) {
		inv.Duration = time.Since(inv.StartedAt)
		snap := breaker.Snapshot()
		inv.Breaker = &snap
		if err != nil {
			inv.Error = err.Error()
		}
		if res != nil {
			inv.Result = res
			inv.CacheHit = res.CacheHit
		}
		return inv, err
	}

	var result *Result
	attempt := func() error {
		if err := breaker.Allow(); err != nil {
			return resilience.Permanent(err)
		}
		// Every path below this point must report an outcome, or the
		// half-open slot stays occupied and the endpoint never recovers.
		if err := r.limits.Wait(ctx, endpoint); err != nil {
			breaker.RecordPermanent()
			return resilience.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.deadline)
		defer cancel()

		res, err := adapter.Invoke(callCtx, method, params)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Cancellations neither count as failures nor retry.
				breaker.RecordPermanent()
				return resilience.Permanent(err)
			}
			if Transient(err) {
				breaker.RecordFailure()
				return err
			}
			breaker.RecordPermanent()
			return resilience.Permanent(err)
		}
		breaker.RecordSuccess()
		result = res
		return nil
	}

	if err := r.retry.Retry(ctx, attempt); err != nil {
		return finish(nil, err)
	}
	return finish(result, nil)
}

// ParamString extracts a required string parameter.
func ParamString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	return s, nil
}

// ParamInt extracts an optional integer parameter with a default.
func ParamInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// ParamFloat extracts an optional float parameter with a default.
func ParamFloat(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// SchemaFor reflects a JSON schema from a parameter struct.
func SchemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.Reflect(v)
}

// UnknownMethodError builds the uniform error for a method an adapter does
// not implement.
func UnknownMethodError(tool, method string) error {
	return &ToolError{Tool: tool, Kind: KindUser, Err: fmt.Errorf("unknown method %q", method)}
}

// DisabledResult is the typed result for adapters missing credentials.
func DisabledResult(tool, reason string) *Result {
	return &Result{
		Unavailable:       true,
		UnavailableReason: fmt.Sprintf("%s is disabled: %s", tool, reason),
	}
}
