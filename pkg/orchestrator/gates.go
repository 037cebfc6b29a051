package orchestrator

import (
	"fmt"
	"strings"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/tools"
)

// GateResult is the outcome of one declarative check.
type GateResult struct {
	Passed  bool
	Reasons []string
}

func pass() GateResult { return GateResult{Passed: true} }

func fail(reasons ...string) GateResult { return GateResult{Reasons: reasons} }

// GateConfig parameterizes the quality gates. The retraction threshold is a
// parameter rather than a constant because the acceptable rate differs
// between exploratory and publication-bound work.
type GateConfig struct {
	MinPicotLength      int
	MinSearchFindings   int
	MinValidated        int
	RetractionThreshold float64
	MinSynthesisLength  int
	MinSynthesisCites   int
}

// DefaultGateConfig returns the standard thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinPicotLength:      200,
		MinSearchFindings:   3,
		MinValidated:        3,
		RetractionThreshold: 0.20,
		MinSynthesisLength:  500,
		MinSynthesisCites:   2,
	}
}

// Gates evaluates phase-boundary checks and records each verdict as an audit
// decision.
type Gates struct {
	cfg    GateConfig
	audit  *audit.Logger
	logger utils.ExtendedLogger
}

// NewGates builds the gate set.
func NewGates(cfg GateConfig, auditLog *audit.Logger, logger utils.ExtendedLogger) *Gates {
	return &Gates{cfg: cfg, audit: auditLog, logger: logger}
}

var picotComponents = []struct {
	label    string
	keywords []string
}{
	{"P", []string{"(p)", "population", "patients"}},
	{"I", []string{"(i)", "intervention"}},
	{"C", []string{"(c)", "comparison", "compared"}},
	{"O", []string{"(o)", "outcome"}},
	{"T", []string{"(t)", "timeframe", "within", "months", "weeks"}},
}

// Picot checks the PICOT artifact: every component present, phrased as a
// question, and long enough to be specific.
func (g *Gates) Picot(sessionID, picot string) GateResult {
	var reasons []string
	lower := strings.ToLower(picot)
	for _, comp := range picotComponents {
		found := false
		for _, kw := range comp.keywords {
			if strings.Contains(lower, kw) {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons, fmt.Sprintf("missing %s component", comp.label))
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(picot), "?") {
		reasons = append(reasons, "not phrased as a question")
	}
	if len(picot) < g.cfg.MinPicotLength {
		reasons = append(reasons, fmt.Sprintf("too short: %d chars, need %d", len(picot), g.cfg.MinPicotLength))
	}
	return g.record(sessionID, "picot_gate", reasons)
}

// Search checks yield: enough distinct normalized identifiers across all
// search tasks.
func (g *Gates) Search(sessionID string, findings []tools.Finding) GateResult {
	distinct := make(map[string]bool)
	for _, f := range findings {
		if f.Identifier != "" {
			distinct[string(f.IdentifierKind)+":"+f.Identifier] = true
		}
	}
	var reasons []string
	if len(distinct) < g.cfg.MinSearchFindings {
		reasons = append(reasons, fmt.Sprintf("only %d distinct finding(s), need %d", len(distinct), g.cfg.MinSearchFindings))
	}
	return g.record(sessionID, "search_gate", reasons)
}

// Validation checks that enough evidence survived grading and the retraction
// rate stays under the configured threshold. A failure refuses downstream
// synthesis.
func (g *Gates) Validation(sessionID string, groundedCount int, retractionRate float64) GateResult {
	var reasons []string
	if groundedCount < g.cfg.MinValidated {
		reasons = append(reasons, fmt.Sprintf("only %d validated finding(s), need %d", groundedCount, g.cfg.MinValidated))
	}
	if retractionRate >= g.cfg.RetractionThreshold {
		reasons = append(reasons, fmt.Sprintf("retraction rate %.0f%% is at or above the %.0f%% threshold", retractionRate*100, g.cfg.RetractionThreshold*100))
	}
	return g.record(sessionID, "validation_gate", reasons)
}

var synthesisSections = []string{"evidence", "strength", "implications"}

// Synthesis checks the labeled sections, length and that every referenced
// identifier sits in the validated set.
func (g *Gates) Synthesis(sessionID, text string, validated []tools.Finding) GateResult {
	var reasons []string
	lower := strings.ToLower(text)
	for _, section := range synthesisSections {
		if !strings.Contains(lower, section) {
			reasons = append(reasons, fmt.Sprintf("missing %s section", section))
		}
	}
	if len(text) < g.cfg.MinSynthesisLength {
		reasons = append(reasons, fmt.Sprintf("too short: %d chars, need %d", len(text), g.cfg.MinSynthesisLength))
	}

	allowed := agent.NewVerifiedSet()
	for _, f := range validated {
		allowed.AddFinding(f)
	}
	cited := agent.ExtractCitations(text)
	if len(cited) < g.cfg.MinSynthesisCites {
		reasons = append(reasons, fmt.Sprintf("only %d citation(s), need %d", len(cited), g.cfg.MinSynthesisCites))
	}
	for _, c := range cited {
		if !allowed.Contains(c.Kind, c.Identifier) {
			reasons = append(reasons, fmt.Sprintf("cites %s which is not validated", c.Identifier))
		}
	}
	return g.record(sessionID, "synthesis_gate", reasons)
}

// Analysis checks the data-analysis artifact for the required fields and the
// feasibility range.
func (g *Gates) Analysis(sessionID string, plan map[string]any) GateResult {
	var reasons []string
	if plan == nil {
		return g.record(sessionID, "analysis_gate", []string{"no analysis artifact"})
	}
	for _, field := range []string{"design", "primary_outcome_metric", "assumed_effect", "alpha", "power", "sample_size_n"} {
		if _, ok := plan[field]; !ok {
			reasons = append(reasons, fmt.Sprintf("missing field %s", field))
		}
	}
	if n, ok := numeric(plan["sample_size_n"]); ok {
		if _, justified := plan["justification"]; (n < 10 || n > 2000) && !justified {
			reasons = append(reasons, fmt.Sprintf("sample_size_n %d outside [10, 2000] without justification", int(n)))
		}
	}
	if c, present := plan["confidence"]; present {
		if cf, ok := numeric(c); !ok || cf < 0 || cf > 1 {
			reasons = append(reasons, fmt.Sprintf("confidence %v outside [0, 1]", c))
		}
	}
	return g.record(sessionID, "analysis_gate", reasons)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (g *Gates) record(sessionID, gate string, reasons []string) GateResult {
	result := GateResult{Passed: len(reasons) == 0, Reasons: reasons}
	if g.audit != nil {
		err := g.audit.Log("gates", sessionID, audit.ActionDecision, map[string]any{
			"gate":    gate,
			"passed":  result.Passed,
			"reasons": result.Reasons,
		})
		if err != nil && g.logger != nil {
			g.logger.Errorf("gate audit write failed: %v", err)
		}
	}
	return result
}

var queryStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "of": true, "for": true,
	"on": true, "to": true, "and": true, "with": true, "my": true, "is": true,
}

// BroadenQuery implements progressive search retry terms: attempt 0 keeps
// the query, attempt 1 ORs the significant words, attempt 2 keeps only the
// two leading significant words.
func BroadenQuery(query string, attempt int) string {
	if attempt <= 0 {
		return query
	}
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `"'.,;:!?`)
		if w != "" && !queryStopwords[w] {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return query
	}
	if attempt == 1 {
		return strings.Join(words, " OR ")
	}
	if len(words) > 2 {
		words = words[:2]
	}
	return strings.Join(words, " ")
}
