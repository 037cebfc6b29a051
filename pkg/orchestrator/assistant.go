package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/agent/roster"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

// searchBroadenAttempts bounds the progressive query retry after a thin
// search yield.
const searchBroadenAttempts = 2

// TurnResult is what one user utterance produces.
type TurnResult struct {
	ReplyText   string
	Suggestions []string
	RunID       string
}

// Assistant is the conversation facade: it owns the per-project context,
// drives plan/execute/gate/synthesize for each utterance, and persists the
// transcript.
type Assistant struct {
	manager     *store.Manager
	registry    roster.Registry
	planner     *Planner
	executor    *Executor
	synthesizer *Synthesizer
	gates       *Gates
	audit       *audit.Logger
	logger      utils.ExtendedLogger

	sessionID string
	contexts  map[string]*Context
}

// NewAssistant wires the orchestration layer. A fresh session id is minted
// and announced in the audit stream.
func NewAssistant(manager *store.Manager, registry roster.Registry, model llms.Model, gateCfg GateConfig, auditLog *audit.Logger, logger utils.ExtendedLogger) *Assistant {
	storeFn := manager.ActiveStore
	a := &Assistant{
		manager:     manager,
		registry:    registry,
		planner:     NewPlanner(model, registry, auditLog, logger),
		executor:    NewExecutor(registry, storeFn, auditLog, logger),
		synthesizer: NewSynthesizer(model, logger),
		gates:       NewGates(gateCfg, auditLog, logger),
		audit:       auditLog,
		logger:      logger,
		sessionID:   uuid.NewString(),
		contexts:    make(map[string]*Context),
	}
	if auditLog != nil {
		_ = auditLog.Log("orchestrator", a.sessionID, audit.ActionSessionStarted, nil)
	}
	return a
}

// SessionID returns this assistant session's identifier.
func (a *Assistant) SessionID() string { return a.sessionID }

// WithRunCeiling overrides the per-run deadline of the underlying executor.
func (a *Assistant) WithRunCeiling(d time.Duration) *Assistant {
	a.executor.WithRunCeiling(d)
	return a
}

// ActivateProject switches the working project and rehydrates its recent
// conversation.
func (a *Assistant) ActivateProject(ctx context.Context, name string) error {
	if _, err := a.manager.ActivateProject(name); err != nil {
		return err
	}
	conv := a.activeContext()
	if conv != nil {
		if err := conv.LoadFromDB(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HandleUtterance runs one full turn: context update, planning, execution,
// gates, reply synthesis, persistence.
func (a *Assistant) HandleUtterance(ctx context.Context, utterance string) (*TurnResult, error) {
	conv := a.activeContext()
	if conv == nil {
		conv = NewContext(nil)
	}
	if len(conv.Messages()) == 0 {
		if err := conv.LoadFromDB(ctx); err != nil && a.logger != nil {
			a.logger.Warnf("could not rehydrate conversation: %v", err)
		}
	}

	if err := conv.AddMessage(ctx, "user", utterance, nil); err != nil {
		return nil, err
	}

	plan, err := a.planner.Plan(ctx, a.sessionID, utterance, conv)
	if err != nil {
		var noPlan *NoPlanError
		if errors.As(err, &noPlan) {
			result := a.dontUnderstand(noPlan)
			a.finishTurn(ctx, conv, result.ReplyText)
			return result, nil
		}
		return nil, err
	}

	run, err := a.executor.Execute(ctx, a.sessionID, plan, conv)
	if err != nil {
		return nil, err
	}

	gateNotes := a.applyGates(ctx, run, conv, utterance)

	reply := a.synthesizer.Reply(ctx, utterance, run, conv)
	if len(gateNotes) > 0 {
		reply += "\n\n" + strings.Join(gateNotes, "\n")
	}

	result := &TurnResult{
		ReplyText:   reply,
		Suggestions: Suggestions(conv),
		RunID:       run.RunID,
	}
	a.finishTurn(ctx, conv, reply)
	return result, nil
}

func (a *Assistant) dontUnderstand(noPlan *NoPlanError) *TurnResult {
	var b strings.Builder
	b.WriteString("I'm not sure how to help with that request. Here are some things I can do:\n")
	for _, p := range noPlan.Prompts {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString(agent.Disclaimer)
	return &TurnResult{
		ReplyText:   b.String(),
		Suggestions: noPlan.Prompts,
	}
}

// applyGates evaluates the phase-boundary checks for whatever artifacts this
// run produced and returns user-facing notes for failures. A thin search
// yield triggers progressive query broadening before the gate verdict is
// final.
func (a *Assistant) applyGates(ctx context.Context, run *RunResult, conv *Context, utterance string) []string {
	var notes []string

	if v, ok := conv.Artifact(ArtifactPicot); ok {
		if picot, ok := v.(string); ok {
			if res := a.gates.Picot(a.sessionID, picot); !res.Passed {
				notes = append(notes, "Note: the PICOT question may need refinement ("+strings.Join(res.Reasons, "; ")+").")
			}
		}
	}

	if v, ok := conv.Artifact(ArtifactSearch); ok {
		findings := agent.ArtifactFindings(v)
		if typed, ok := v.([]tools.Finding); ok {
			findings = typed
		}
		if res := a.gates.Search(a.sessionID, findings); !res.Passed {
			findings = a.broadenSearch(ctx, run, conv, utterance, findings)
			if res := a.gates.Search(a.sessionID, findings); !res.Passed {
				notes = append(notes, "Note: the search yield was thin even after broadening the terms; consider alternative sources or different keywords.")
			}
		}
	}

	if _, ok := conv.Artifact(ArtifactValidated); ok {
		grounded := 0
		rate := 0.0
		for _, res := range run.Results {
			if res.Task.Action != "validate" || res.Output == nil {
				continue
			}
			if v, ok := res.Output["validated_articles"].([]tools.Finding); ok {
				grounded = len(v)
			}
			if v, ok := res.Output["retraction_rate"].(float64); ok {
				rate = v
			}
		}
		if res := a.gates.Validation(a.sessionID, grounded, rate); !res.Passed {
			notes = append(notes, "Note: the validated evidence base is weak ("+strings.Join(res.Reasons, "; ")+"); synthesis confidence is limited.")
		}
	}

	if v, ok := conv.Artifact(ArtifactSynthesis); ok {
		if text, ok := v.(string); ok {
			validatedV, _ := conv.Artifact(ArtifactValidatedArticles)
			validated, _ := validatedV.([]tools.Finding)
			if validated == nil {
				validated = agent.ArtifactFindings(validatedV)
			}
			if res := a.gates.Synthesis(a.sessionID, text, validated); !res.Passed {
				notes = append(notes, "Note: the synthesis draft is incomplete ("+strings.Join(res.Reasons, "; ")+").")
			}
		}
	}

	for _, res := range run.Results {
		if res.Output == nil {
			continue
		}
		if plan, ok := res.Output["analysis_plan"].(map[string]any); ok {
			if gate := a.gates.Analysis(a.sessionID, plan); !gate.Passed {
				notes = append(notes, "Note: the analysis plan failed its feasibility check ("+strings.Join(gate.Reasons, "; ")+").")
			}
		}
	}

	return notes
}

// broadenSearch retries the run's search step with progressively wider
// terms. Findings from successful retries replace the search artifact.
func (a *Assistant) broadenSearch(ctx context.Context, run *RunResult, conv *Context, utterance string, current []tools.Finding) []tools.Finding {
	var searchTask *StepResult
	for _, res := range run.Results {
		switch res.Task.Action {
		case "search_pubmed", "search_all", "search_arxiv":
			if res.Status == StepCompleted {
				searchTask = res
			}
		}
	}
	if searchTask == nil {
		return current
	}
	specialist, ok := a.registry.Get(searchTask.Task.AgentKey)
	if !ok {
		return current
	}

	query, _ := searchTask.Task.Params["query"].(string)
	if query == "" {
		query = utterance
	}

	best := current
	for attempt := 1; attempt <= searchBroadenAttempts; attempt++ {
		broadened := BroadenQuery(query, attempt)
		if broadened == query {
			continue
		}
		a.logDecision(map[string]any{
			"event":   "search_broadened",
			"attempt": attempt,
			"query":   broadened,
		})
		resp, err := specialist.Execute(ctx, &agent.Request{
			SessionID: a.sessionID,
			Action:    searchTask.Task.Action,
			Query:     broadened,
			Params:    map[string]any{"query": broadened},
			View:      conv,
		})
		if err != nil || resp.Reply.Refused() {
			continue
		}
		merged := tools.DedupeFindings(append(append([]tools.Finding(nil), best...), resp.Findings...))
		if len(merged) > len(best) {
			best = merged
			conv.AddArtifact(ArtifactSearch, best)
		}
		if a.gates.Search(a.sessionID, best).Passed {
			break
		}
	}
	return best
}

func (a *Assistant) finishTurn(ctx context.Context, conv *Context, reply string) {
	if err := conv.AddMessage(ctx, "assistant", reply, nil); err != nil && a.logger != nil {
		a.logger.Errorf("failed to buffer assistant reply: %v", err)
	}
	if err := conv.SaveToDB(ctx); err != nil && a.logger != nil {
		a.logger.Errorf("failed to persist conversation: %v", err)
	}
}

func (a *Assistant) activeContext() *Context {
	key := a.manager.ActiveProject()
	if key == "" {
		return nil
	}
	if conv, ok := a.contexts[key]; ok {
		return conv
	}
	conv := NewContext(a.manager.ActiveStore())
	a.contexts[key] = conv
	return conv
}

func (a *Assistant) logDecision(payload map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log("orchestrator", a.sessionID, audit.ActionDecision, payload); err != nil && a.logger != nil {
		a.logger.Errorf("orchestrator audit write failed: %v", err)
	}
}
