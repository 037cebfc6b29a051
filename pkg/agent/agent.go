package agent

import (
	"context"

	"qi-agent/core/pkg/tools"
)

// ContextView is the read-only slice of conversation state an agent may see.
// Agents never mutate shared context; the executor owns writes.
type ContextView interface {
	// Artifact returns a scoped artifact by role, e.g. "validated_articles".
	Artifact(role string) (any, bool)
	// Phase is the derived research phase at call time.
	Phase() string
	// Summary is the token-budgeted conversation summary.
	Summary() string
}

// EmptyView is the zero context used for single-shot invocations.
type EmptyView struct{}

func (EmptyView) Artifact(string) (any, bool) { return nil, false }
func (EmptyView) Phase() string               { return "planning" }
func (EmptyView) Summary() string             { return "" }

// Request is one unit of agent work dispatched by the executor.
type Request struct {
	SessionID string
	Action    string
	Query     string
	Params    map[string]any
	View      ContextView
}

// Response is the full outcome of one agent run, grounding verdict included.
type Response struct {
	Reply      Reply
	Verdict    Verdict
	Unverified []string
	// Output carries structured fields downstream tasks dereference.
	Output    map[string]any
	Findings  []tools.Finding
	ToolCalls []*tools.Invocation
}

// ValidationPassed reports whether the run survived its checks.
func (r *Response) ValidationPassed() bool {
	return r.Verdict == VerdictGrounded
}

// Agent is a specialist the executor can dispatch to.
type Agent interface {
	Key() string
	DisplayName() string
	Actions() []string
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Handler produces a draft response for a request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps generation with pre/post behavior. Middleware surrounds
// only the draft-producing handler; grounding validation runs outside the
// chain and cannot be skipped by any middleware.
type Middleware func(next Handler) Handler

// Validator computes the grounding verdict for a finished draft.
type Validator func(ctx context.Context, req *Request, draft string, calls []*tools.Invocation, findings []tools.Finding) (Verdict, []string, error)

// GroundOnToolResults is the default validator: an agent may cite exactly the
// identifiers returned by its own tool calls in this run.
func GroundOnToolResults(_ context.Context, _ *Request, draft string, calls []*tools.Invocation, findings []tools.Finding) (Verdict, []string, error) {
	verified := NewVerifiedSet()
	for _, f := range findings {
		verified.AddFinding(f)
	}
	for _, inv := range calls {
		if inv.Result == nil {
			continue
		}
		for _, f := range inv.Result.Findings {
			verified.AddFinding(f)
		}
	}
	verdict, unverified := CheckGrounding(draft, verified)
	return verdict, unverified, nil
}

// ArtifactFindings decodes a findings artifact produced by an upstream task.
// Artifacts cross the executor as []tools.Finding or as generic JSON shapes.
func ArtifactFindings(v any) []tools.Finding {
	switch list := v.(type) {
	case []tools.Finding:
		return list
	case []any:
		var out []tools.Finding
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			f := tools.Finding{}
			if s, ok := m["identifier"].(string); ok {
				f.Identifier = s
			}
			if s, ok := m["identifier_kind"].(string); ok {
				f.IdentifierKind = tools.IdentifierKind(s)
			}
			if s, ok := m["title"].(string); ok {
				f.Title = s
			}
			if s, ok := m["agent_source"].(string); ok {
				f.AgentSource = s
			}
			if s, ok := m["date"].(string); ok {
				f.Date = s
			}
			if f.Identifier != "" {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}

// GroundOnArtifact builds a validator that admits only identifiers present in
// the named context artifact. Writing-phase agents use this so they can only
// cite evidence that already passed validation.
func GroundOnArtifact(role string) Validator {
	return func(_ context.Context, req *Request, draft string, _ []*tools.Invocation, _ []tools.Finding) (Verdict, []string, error) {
		verified := NewVerifiedSet()
		if req.View != nil {
			if v, ok := req.View.Artifact(role); ok {
				for _, f := range ArtifactFindings(v) {
					verified.AddFinding(f)
				}
			}
		}
		verdict, unverified := CheckGrounding(draft, verified)
		return verdict, unverified, nil
	}
}
