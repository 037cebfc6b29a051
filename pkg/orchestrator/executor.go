package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/agent/roster"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/store"
)

// Step terminal statuses reuse the store constants so run records and
// in-memory results never disagree.
const (
	StepCompleted = store.StepStatusCompleted
	StepFailed    = store.StepStatusFailed
	StepSkipped   = store.StepStatusSkipped
)

// DefaultRunCeiling bounds one workflow run end to end.
const DefaultRunCeiling = 15 * time.Minute

// DefaultParallelCap bounds in-flight tasks inside one parallel group.
const DefaultParallelCap = 3

// maxConsecutiveFailures aborts a run once this many steps fail in a row.
const maxConsecutiveFailures = 3

// ExecutorError marks plan-shape faults found at execution time, cycles
// included.
type ExecutorError struct {
	Reason string
}

func (e *ExecutorError) Error() string { return "executor: " + e.Reason }

// StepResult is the outcome of one executed task.
type StepResult struct {
	Task     Task
	Status   string
	Output   map[string]any
	Response *agent.Response
	Error    string
	Duration time.Duration
}

// Succeeded reports whether dependents of this step may run.
func (s *StepResult) Succeeded() bool { return s.Status == StepCompleted }

// RunResult is the outcome of one plan execution.
type RunResult struct {
	RunID        string
	WorkflowName string
	Status       string
	Results      map[string]*StepResult
	Order        []string
	Error        string
}

// Executor walks a plan: dependency resolution, agent dispatch, artifact
// capture and workflow persistence. It is the only component that schedules
// agent work and the only writer of the conversation context.
type Executor struct {
	registry    roster.Registry
	store       func() *store.ProjectStore
	audit       *audit.Logger
	logger      utils.ExtendedLogger
	runCeiling  time.Duration
	parallelCap int
}

// NewExecutor builds an executor over the agent registry. storeFn may return
// nil; persistence is then skipped.
func NewExecutor(registry roster.Registry, storeFn func() *store.ProjectStore, auditLog *audit.Logger, logger utils.ExtendedLogger) *Executor {
	return &Executor{
		registry:    registry,
		store:       storeFn,
		audit:       auditLog,
		logger:      logger,
		runCeiling:  DefaultRunCeiling,
		parallelCap: DefaultParallelCap,
	}
}

// WithRunCeiling overrides the per-run deadline.
func (e *Executor) WithRunCeiling(d time.Duration) *Executor {
	if d > 0 {
		e.runCeiling = d
	}
	return e
}

// Execute runs the plan to completion or abort. Per-step failures are
// captured in the result; only infrastructure faults return an error.
func (e *Executor) Execute(ctx context.Context, sessionID string, plan *Plan, conv *Context) (*RunResult, error) {
	ordered, err := topoOrder(plan.Tasks)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.runCeiling)
	defer cancel()

	run := &RunResult{
		RunID:        uuid.NewString(),
		WorkflowName: plan.WorkflowName,
		Status:       store.RunStatusRunning,
		Results:      make(map[string]*StepResult, len(ordered)),
	}

	st := e.activeStore()
	if st != nil {
		err := st.InsertWorkflowRun(runCtx, store.WorkflowRun{
			ID:           run.RunID,
			WorkflowName: plan.WorkflowName,
			Status:       store.RunStatusRunning,
			StartedAt:    time.Now().UTC(),
			TotalSteps:   len(ordered),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record workflow run: %w", err)
		}
	}

	consecutiveFailures := 0
	aborted := ""

	for i := 0; i < len(ordered); {
		if aborted != "" {
			e.skipRemaining(runCtx, run, ordered[i:], aborted)
			break
		}
		if cause := runCtx.Err(); cause != nil {
			aborted = "cancelled"
			e.skipRemaining(runCtx, run, ordered[i:], aborted)
			break
		}

		batch := e.nextBatch(ordered, i)
		i += len(batch)

		if len(batch) == 1 {
			e.runStep(runCtx, sessionID, run, batch[0], conv)
		} else {
			e.runParallel(runCtx, sessionID, run, batch, conv)
		}

		for _, task := range batch {
			res := run.Results[task.TaskID]
			switch res.Status {
			case StepFailed:
				consecutiveFailures++
			case StepCompleted:
				consecutiveFailures = 0
			}
		}
		if consecutiveFailures >= maxConsecutiveFailures {
			aborted = fmt.Sprintf("%d consecutive step failures", consecutiveFailures)
		}
	}

	completed := 0
	failedSteps := 0
	for _, res := range run.Results {
		switch res.Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failedSteps++
		}
	}

	switch {
	case aborted != "":
		run.Status = store.RunStatusFailed
		run.Error = aborted
	case failedSteps > 0:
		run.Status = store.RunStatusFailed
		run.Error = fmt.Sprintf("%d step(s) failed", failedSteps)
	default:
		run.Status = store.RunStatusCompleted
	}

	if st != nil {
		if err := st.UpdateWorkflowRunStatus(runCtx, run.RunID, run.Status, completed, run.Error); err != nil {
			return nil, fmt.Errorf("failed to finish workflow run: %w", err)
		}
	}
	return run, nil
}

// nextBatch returns the run of tasks starting at index i that share one
// non-empty parallel group, or just the single task at i.
func (e *Executor) nextBatch(ordered []Task, i int) []Task {
	first := ordered[i]
	if first.ParallelGroup == "" {
		return ordered[i : i+1]
	}
	j := i + 1
	for j < len(ordered) && ordered[j].ParallelGroup == first.ParallelGroup {
		j++
	}
	return ordered[i:j]
}

func (e *Executor) runParallel(ctx context.Context, sessionID string, run *RunResult, batch []Task, conv *Context) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, e.parallelCap)
	)
	for _, task := range batch {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.runStepLocked(ctx, sessionID, run, task, conv, &mu)
		}(task)
	}
	wg.Wait()
}

func (e *Executor) runStep(ctx context.Context, sessionID string, run *RunResult, task Task, conv *Context) {
	e.runStepLocked(ctx, sessionID, run, task, conv, nil)
}

// runStepLocked executes one task. mu guards run and conv during parallel
// batches; sequential steps pass nil.
func (e *Executor) runStepLocked(ctx context.Context, sessionID string, run *RunResult, task Task, conv *Context, mu *sync.Mutex) {
	lock := func() {
		if mu != nil {
			mu.Lock()
		}
	}
	unlock := func() {
		if mu != nil {
			mu.Unlock()
		}
	}

	lock()
	stepIndex := len(run.Order)
	run.Order = append(run.Order, task.TaskID)

	// Dependencies must all have succeeded.
	for _, dep := range task.DependsOn {
		depRes, ok := run.Results[dep]
		if !ok || !depRes.Succeeded() {
			res := &StepResult{Task: task, Status: StepSkipped, Error: fmt.Sprintf("dependency %s did not succeed", dep)}
			run.Results[task.TaskID] = res
			unlock()
			e.persistStep(ctx, run.RunID, stepIndex, task, res)
			return
		}
	}
	params := e.resolveParams(sessionID, task, run, conv)
	unlock()

	specialist, ok := e.registry.Get(task.AgentKey)
	if !ok {
		lock()
		res := &StepResult{Task: task, Status: StepFailed, Error: fmt.Sprintf("unknown agent %q", task.AgentKey)}
		run.Results[task.TaskID] = res
		unlock()
		e.persistStep(ctx, run.RunID, stepIndex, task, res)
		return
	}

	query, _ := params["query"].(string)
	started := time.Now()
	resp, err := specialist.Execute(ctx, &agent.Request{
		SessionID: sessionID,
		Action:    task.Action,
		Query:     query,
		Params:    params,
		View:      conv,
	})
	duration := time.Since(started)

	res := &StepResult{Task: task, Duration: duration}
	switch {
	case err != nil:
		res.Status = StepFailed
		res.Error = err.Error()
	case resp.Verdict == agent.VerdictHallucinated:
		// Grounding failures are final for the step; the refusal text is the
		// delivered output and there is no retry.
		res.Status = StepFailed
		res.Error = "validation_failed"
		res.Response = resp
		res.Output = resp.Output
		res.Output["text"] = resp.Reply.Text()
	default:
		res.Status = StepCompleted
		res.Response = resp
		res.Output = resp.Output
		res.Output["text"] = resp.Reply.Text()
	}

	lock()
	run.Results[task.TaskID] = res
	if res.Status == StepCompleted && conv != nil {
		conv.MarkCompleted(task.AgentKey, task.Action)
		e.captureArtifact(conv, task, res)
	}
	unlock()

	e.persistStep(ctx, run.RunID, stepIndex, task, res)
}

// captureArtifact writes the typed artifact for recognized action names.
func (e *Executor) captureArtifact(conv *Context, task Task, res *StepResult) {
	switch task.Action {
	case "generate_picot", "refine_picot":
		if v, ok := res.Output["picot_question"]; ok {
			conv.AddArtifact(ArtifactPicot, v)
		}
	case "search_pubmed", "search_all", "search_arxiv":
		if v, ok := res.Output["findings"]; ok {
			conv.AddArtifact(ArtifactSearch, v)
		}
	case "validate":
		if v, ok := res.Output["reports"]; ok {
			conv.AddArtifact(ArtifactValidated, v)
		}
		if v, ok := res.Output["validated_articles"]; ok {
			conv.AddArtifact(ArtifactValidatedArticles, v)
		}
	case "synthesize":
		if v, ok := res.Output["draft"]; ok {
			conv.AddArtifact(ArtifactSynthesis, v)
		}
	}
}

// resolveParams substitutes "<task_id.path>" references from prior results
// and context artifacts. Unresolved references become null and leave a
// decision entry in the audit log.
func (e *Executor) resolveParams(sessionID string, task Task, run *RunResult, conv *Context) map[string]any {
	if len(task.Params) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(task.Params))
	for key, value := range task.Params {
		s, ok := value.(string)
		if !ok {
			out[key] = value
			continue
		}
		taskID, path, ok := parseDepRef(s)
		if !ok {
			out[key] = value
			continue
		}

		var source map[string]any
		if prior, found := run.Results[taskID]; found && prior.Output != nil {
			source = prior.Output
		}
		resolved, found := navigate(source, path)
		if !found && conv != nil {
			// Fall back to context artifacts for references the results
			// cannot satisfy.
			if len(path) > 0 {
				if v, ok := conv.Artifact(path[len(path)-1]); ok {
					resolved, found = v, true
				}
			}
		}
		if !found {
			out[key] = nil
			e.logDecision(sessionID, map[string]any{
				"event":     "unresolved_reference",
				"task_id":   task.TaskID,
				"reference": s,
			})
			continue
		}
		out[key] = resolved
	}
	return out
}

// navigate walks a dotted path through nested string-keyed maps.
func navigate(source map[string]any, path []string) (any, bool) {
	if source == nil {
		return nil, false
	}
	if len(path) == 0 {
		return source, true
	}
	var current any = source
	for _, seg := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (e *Executor) skipRemaining(ctx context.Context, run *RunResult, remaining []Task, reason string) {
	for _, task := range remaining {
		if _, done := run.Results[task.TaskID]; done {
			continue
		}
		stepIndex := len(run.Order)
		run.Order = append(run.Order, task.TaskID)
		res := &StepResult{Task: task, Status: StepSkipped, Error: reason}
		run.Results[task.TaskID] = res
		e.persistStep(ctx, run.RunID, stepIndex, task, res)
	}
}

func (e *Executor) persistStep(ctx context.Context, runID string, index int, task Task, res *StepResult) {
	st := e.activeStore()
	if st == nil {
		return
	}
	inputSummary := task.Action
	if q, ok := task.Params["query"].(string); ok && q != "" {
		inputSummary = fmt.Sprintf("%s: %s", task.Action, truncate(q, 120))
	}
	id, err := st.InsertWorkflowStep(ctx, store.WorkflowStep{
		RunID:        runID,
		StepIndex:    index,
		AgentKey:     task.AgentKey,
		Status:       store.StepStatusRunning,
		StartedAt:    time.Now().UTC(),
		InputSummary: inputSummary,
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("failed to record workflow step %s: %v", task.TaskID, err)
		}
		return
	}

	outputSummary := ""
	if res.Output != nil {
		if text, ok := res.Output["text"].(string); ok {
			outputSummary = truncate(text, 200)
		}
	}
	if err := st.UpdateWorkflowStepStatus(ctx, id, res.Status, outputSummary, res.Error, res.Duration); err != nil && e.logger != nil {
		e.logger.Errorf("failed to finish workflow step %s: %v", task.TaskID, err)
	}

	if res.Status == StepCompleted && res.Output != nil {
		encoded, err := json.Marshal(res.Output)
		if err == nil {
			err = st.InsertWorkflowOutput(ctx, store.WorkflowOutput{
				RunID:    runID,
				TaskID:   task.TaskID,
				AgentKey: task.AgentKey,
				Output:   string(encoded),
			})
		}
		if err != nil && e.logger != nil {
			e.logger.Errorf("failed to record workflow output %s: %v", task.TaskID, err)
		}
	}
}

func (e *Executor) activeStore() *store.ProjectStore {
	if e.store == nil {
		return nil
	}
	return e.store()
}

func (e *Executor) logDecision(sessionID string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log("executor", sessionID, audit.ActionDecision, payload); err != nil && e.logger != nil {
		e.logger.Errorf("executor audit write failed: %v", err)
	}
}

// topoOrder verifies the dependency graph is acyclic and returns tasks in an
// order where every dependency precedes its dependents. Ties keep plan order.
func topoOrder(tasks []Task) ([]Task, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.TaskID]; dup {
			return nil, &ExecutorError{Reason: fmt.Sprintf("duplicate task_id %q", t.TaskID)}
		}
		byID[t.TaskID] = t
	}

	deps := func(t Task) []string {
		seen := make(map[string]bool)
		var out []string
		for _, d := range append(append([]string(nil), t.DependsOn...), t.referencedTasks()...) {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
		return out
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var ordered []Task

	var visit func(t Task) error
	visit = func(t Task) error {
		switch state[t.TaskID] {
		case done:
			return nil
		case visiting:
			return &ExecutorError{Reason: fmt.Sprintf("dependency cycle through %q", t.TaskID)}
		}
		state[t.TaskID] = visiting
		for _, dep := range deps(t) {
			depTask, ok := byID[dep]
			if !ok {
				return &ExecutorError{Reason: fmt.Sprintf("task %q depends on unknown task %q", t.TaskID, dep)}
			}
			if err := visit(depTask); err != nil {
				return err
			}
		}
		state[t.TaskID] = done
		ordered = append(ordered, t)
		return nil
	}

	for _, t := range tasks {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
