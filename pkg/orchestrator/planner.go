package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent/roster"
	"qi-agent/core/pkg/audit"
)

// CanonicalPrompts is the menu offered when no plan can be formed.
var CanonicalPrompts = []string{
	"Research fall prevention in elderly hospitalized patients",
	"Generate a PICOT question for reducing CAUTI rates",
	"Search all sources for hand hygiene compliance evidence",
	"When is my next project deadline?",
	"Calculate sample size for a 30% reduction in falls at 80% power",
}

// NoPlanError signals that the utterance could not be decomposed. The
// orchestrator turns it into an "I don't understand" reply with the canonical
// prompt menu; it is never converted into a guessed single-agent call.
type NoPlanError struct {
	Reason  string
	Prompts []string
}

func (e *NoPlanError) Error() string {
	return fmt.Sprintf("no executable plan: %s", e.Reason)
}

// Planner turns an utterance plus conversation context into a plan, first by
// workflow template matching, then by constrained LLM decomposition.
type Planner struct {
	model    llms.Model
	registry roster.Registry
	audit    *audit.Logger
	logger   utils.ExtendedLogger
}

// NewPlanner builds a planner over the agent registry.
func NewPlanner(model llms.Model, registry roster.Registry, auditLog *audit.Logger, logger utils.ExtendedLogger) *Planner {
	return &Planner{model: model, registry: registry, audit: auditLog, logger: logger}
}

// Plan produces the task list for one utterance. Errors of type *NoPlanError
// mean "ask the user to rephrase"; anything else is an infrastructure fault.
func (p *Planner) Plan(ctx context.Context, sessionID, utterance string, conv *Context) (*Plan, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, &NoPlanError{Reason: "empty utterance", Prompts: CanonicalPrompts}
	}

	if workflow := MatchWorkflow(utterance); workflow != "" {
		plan := BuildWorkflow(workflow, utterance, p.preferredSearcher(conv))
		if err := plan.Validate(p.actionTable()); err != nil {
			return nil, fmt.Errorf("workflow template %s is invalid: %w", workflow, err)
		}
		p.logDecision(sessionID, map[string]any{
			"source":   "workflow_template",
			"workflow": workflow,
			"tasks":    len(plan.Tasks),
		})
		return plan, nil
	}

	plan, err := p.decompose(ctx, utterance, conv)
	if err != nil {
		p.logDecision(sessionID, map[string]any{"source": "llm", "error": err.Error()})
		return nil, &NoPlanError{Reason: err.Error(), Prompts: CanonicalPrompts}
	}
	if len(plan.Tasks) == 0 {
		p.logDecision(sessionID, map[string]any{"source": "llm", "tasks": 0})
		return nil, &NoPlanError{Reason: "the model produced zero tasks", Prompts: CanonicalPrompts}
	}
	if err := plan.Validate(p.actionTable()); err != nil {
		p.logDecision(sessionID, map[string]any{"source": "llm", "error": err.Error()})
		return nil, &NoPlanError{Reason: err.Error(), Prompts: CanonicalPrompts}
	}
	p.logDecision(sessionID, map[string]any{"source": "llm", "tasks": len(plan.Tasks)})
	return plan, nil
}

// preferredSearcher implements the search tie-break: keep the search agent
// already used earlier in this conversation; otherwise the narrower PubMed
// specialist.
func (p *Planner) preferredSearcher(conv *Context) string {
	if conv != nil {
		for _, t := range conv.CompletedTasks() {
			if t.AgentKey == roster.KeyNursing || t.AgentKey == roster.KeyPubMed {
				return t.AgentKey
			}
		}
	}
	return roster.KeyPubMed
}

func (p *Planner) actionTable() map[string][]string {
	table := make(map[string][]string, len(p.registry))
	for key, a := range p.registry {
		table[key] = a.Actions()
	}
	return table
}

const plannerPromptHeader = `You decompose a user request into tasks for a nursing research assistant.

Return ONLY a JSON object of the form:
{"tasks":[{"task_id":"task_1","agent_key":"...","action":"...","params":{...},"depends_on":["task_1"],"parallel_group":""}]}

Rules:
- At most 8 tasks.
- task_id values are unique and tasks are listed in dependency order.
- A param value "<task_1.field>" is replaced at runtime with that field of task_1's output. Reference only earlier tasks.
- Use depends_on for every task whose input needs another task's output.
- Do not mention agent names or task ids in any user-facing text fields.
- If the request is not something these agents can do, return {"tasks":[]}.

Available agents:`

func (p *Planner) decompose(ctx context.Context, utterance string, conv *Context) (*Plan, error) {
	if p.model == nil {
		return nil, fmt.Errorf("no planner model configured")
	}
	var prompt strings.Builder
	prompt.WriteString(plannerPromptHeader)
	for _, c := range p.registry.Capabilities() {
		fmt.Fprintf(&prompt, "\n- %s: %s. Actions: %s", c.Key, c.Description, strings.Join(c.Actions, ", "))
	}

	var user strings.Builder
	if conv != nil {
		if summary := conv.Summary(); summary != "" {
			user.WriteString("Context:\n")
			user.WriteString(summary)
			user.WriteString("\n\n")
		}
	}
	user.WriteString("Request: ")
	user.WriteString(utterance)

	resp, err := p.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, prompt.String()),
			llms.TextParts(llms.ChatMessageTypeHuman, user.String()),
		},
		llms.WithTemperature(0),
		llms.WithJSONMode(),
	)
	if err != nil {
		return nil, fmt.Errorf("planner model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner model returned no choices")
	}

	raw := stripFences(resp.Choices[0].Content)
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("planner output was not valid JSON: %w", err)
	}
	if plan.WorkflowName == "" {
		plan.WorkflowName = "custom"
	}
	return &plan, nil
}

// stripFences removes markdown code fences models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func (p *Planner) logDecision(sessionID string, payload map[string]any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Log("planner", sessionID, audit.ActionDecision, payload); err != nil && p.logger != nil {
		p.logger.Errorf("planner audit write failed: %v", err)
	}
}
