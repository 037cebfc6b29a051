package roster

import (
	"context"
	"fmt"
	"strings"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/tools"
)

const analysisInstructions = `You are a statistical planning specialist for nursing quality-improvement projects.

Use the stats tools for every sample size or power number; never estimate them yourself. Report the study design, primary outcome metric, assumed effect, alpha, power and required sample size per group exactly as the tool returned them. If assumptions are missing, ask for the baseline rate and expected effect instead of guessing.`

// Feasibility bounds for a unit-level QI project. Results outside the range
// need an explicit justification to pass.
const (
	minFeasibleN = 10
	maxFeasibleN = 2000
)

var requiredPlanFields = []string{
	"design", "primary_outcome_metric", "assumed_effect", "alpha", "power", "sample_size_n",
}

// checkFeasibility is the analysis agent's validator. It is a structural
// check over the stats tool output, not an identifier match: every required
// field present, the sample size inside feasible bounds (or justified), and
// any confidence inside [0,1].
func checkFeasibility(_ context.Context, req *agent.Request, draft string, calls []*tools.Invocation, _ []tools.Finding) (agent.Verdict, []string, error) {
	var plan map[string]any
	for _, inv := range calls {
		if inv.Tool == "stats" && inv.Result != nil && inv.Result.Data != nil {
			plan = inv.Result.Data
		}
	}
	if plan == nil {
		if strings.TrimSpace(draft) == "" {
			return agent.VerdictRefused, nil, nil
		}
		// Numeric claims without a stats call are unverifiable.
		return agent.VerdictHallucinated, []string{"sample_size_n"}, nil
	}

	var missing []string
	for _, field := range requiredPlanFields {
		if _, ok := plan[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return agent.VerdictHallucinated, missing, nil
	}

	n, ok := asFloat(plan["sample_size_n"])
	if !ok {
		return agent.VerdictHallucinated, []string{"sample_size_n"}, nil
	}
	if n < minFeasibleN || n > maxFeasibleN {
		justification, _ := plan["justification"].(string)
		if justification == "" {
			justification, _ = req.Params["justification"].(string)
		}
		if justification == "" {
			return agent.VerdictHallucinated, []string{fmt.Sprintf("sample_size_n=%d", int(n))}, nil
		}
	}

	if c, present := plan["confidence"]; present {
		cf, ok := asFloat(c)
		if !ok || cf < 0 || cf > 1 {
			return agent.VerdictHallucinated, []string{"confidence"}, nil
		}
	}
	return agent.VerdictGrounded, nil, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// AnalysisAgent plans sample sizes and power calculations.
type AnalysisAgent struct {
	base *agent.Base
}

// NewAnalysisAgent builds the statistical planning specialist.
func NewAnalysisAgent(deps Deps) (*AnalysisAgent, error) {
	stats := deps.Tools.Stats
	if stats == nil {
		stats = tools.NewStatsAdapter()
	}
	base, err := agent.NewBase(
		baseConfig(deps, KeyAnalysis, "Data Analysis", analysisInstructions),
		deps.Model, deps.Runner,
		[]agent.Binding{{Adapter: stats}},
		checkFeasibility,
		deps.Audit, deps.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &AnalysisAgent{base: base}, nil
}

func (a *AnalysisAgent) Key() string         { return a.base.Key() }
func (a *AnalysisAgent) DisplayName() string { return a.base.DisplayName() }

func (a *AnalysisAgent) Actions() []string {
	return []string{"sample_size", "power_analysis", "analysis_plan"}
}

func (a *AnalysisAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	resp, err := a.base.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, inv := range resp.ToolCalls {
		if inv.Tool == "stats" && inv.Result != nil && inv.Result.Data != nil {
			resp.Output["analysis_plan"] = inv.Result.Data
		}
	}
	if resp.Verdict == agent.VerdictHallucinated {
		resp.Reply = agent.RefusalReply{
			Reason:     "The statistical plan failed its feasibility check.",
			Unverified: resp.Unverified,
		}
	}
	return resp, nil
}
