package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/agent/roster"
)

// stubAgent is a canned agent.Agent for orchestration tests.
type stubAgent struct {
	key     string
	actions []string
	execute func(ctx context.Context, req *agent.Request) (*agent.Response, error)
	calls   int
}

func (a *stubAgent) Key() string         { return a.key }
func (a *stubAgent) DisplayName() string { return a.key }
func (a *stubAgent) Actions() []string   { return a.actions }

func (a *stubAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	a.calls++
	if a.execute != nil {
		return a.execute(ctx, req)
	}
	return &agent.Response{
		Verdict: agent.VerdictGrounded,
		Reply:   agent.OkReply{Content: "done"},
		Output:  map[string]any{"text": "done"},
	}, nil
}

type scriptedModel struct {
	responses []string
	err       error
	calls     int
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.responses[idx]}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func testRegistry() roster.Registry {
	reg := make(roster.Registry)
	reg[roster.KeyPicot] = &stubAgent{key: roster.KeyPicot, actions: []string{"generate_picot", "refine_picot", "synthesize", "draft_section"}}
	reg[roster.KeyPubMed] = &stubAgent{key: roster.KeyPubMed, actions: []string{"search_pubmed"}}
	reg[roster.KeyArxiv] = &stubAgent{key: roster.KeyArxiv, actions: []string{"search_arxiv"}}
	reg[roster.KeyNursing] = &stubAgent{key: roster.KeyNursing, actions: []string{"search_pubmed", "search_all", "search_trials", "search_safety"}}
	reg[roster.KeyTimeline] = &stubAgent{key: roster.KeyTimeline, actions: []string{"get_next_milestone", "list_milestones", "add_milestone", "update_milestone", "check_timeline"}}
	reg[roster.KeyAnalysis] = &stubAgent{key: roster.KeyAnalysis, actions: []string{"sample_size", "power_analysis", "analysis_plan"}}
	reg[roster.KeyCitation] = &stubAgent{key: roster.KeyCitation, actions: []string{"validate", "check_retractions", "grade_evidence"}}
	return reg
}

func TestPlannerMatchesValidatedResearchImplicitly(t *testing.T) {
	p := NewPlanner(&scriptedModel{}, testRegistry(), nil, nil)

	plan, err := p.Plan(t.Context(), "s", "Research fall prevention in elderly hospitalized patients", NewContext(nil))
	require.NoError(t, err)

	assert.Equal(t, WorkflowValidatedResearch, plan.WorkflowName)
	require.Len(t, plan.Tasks, 4)
	assert.Equal(t, "generate_picot", plan.Tasks[0].Action)
	assert.Equal(t, "search_pubmed", plan.Tasks[1].Action)
	assert.Equal(t, "validate", plan.Tasks[2].Action)
	assert.Equal(t, "synthesize", plan.Tasks[3].Action)
	assert.Equal(t, []string{"task_3"}, plan.Tasks[3].DependsOn)
}

func TestPlannerMatchesTimelineWorkflow(t *testing.T) {
	p := NewPlanner(&scriptedModel{}, testRegistry(), nil, nil)

	plan, err := p.Plan(t.Context(), "s", "When is my next deadline on the project schedule?", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, WorkflowTimelinePlanner, plan.WorkflowName)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, roster.KeyTimeline, plan.Tasks[0].AgentKey)
}

func TestPlannerExplicitTriggerBeatsKeywords(t *testing.T) {
	p := NewPlanner(&scriptedModel{}, testRegistry(), nil, nil)

	plan, err := p.Plan(t.Context(), "s", "search all sources for fall prevention research evidence", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, WorkflowParallelSearch, plan.WorkflowName)
	assert.Equal(t, "search", plan.Tasks[0].ParallelGroup)
}

func TestPlannerTieBreakPrefersPriorSearchAgent(t *testing.T) {
	p := NewPlanner(&scriptedModel{}, testRegistry(), nil, nil)

	conv := NewContext(nil)
	conv.MarkCompleted(roster.KeyNursing, "search_all")

	plan, err := p.Plan(t.Context(), "s", "quick search on hand hygiene", conv)
	require.NoError(t, err)
	assert.Equal(t, roster.KeyNursing, plan.Tasks[0].AgentKey)

	// Fresh conversation: the narrower specialist wins.
	plan, err = p.Plan(t.Context(), "s", "quick search on hand hygiene", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, roster.KeyPubMed, plan.Tasks[0].AgentKey)
}

func TestPlannerLLMDecompositionParsesFencedJSON(t *testing.T) {
	model := &scriptedModel{responses: []string{"```json\n{\"tasks\":[{\"task_id\":\"task_1\",\"agent_key\":\"data_analysis\",\"action\":\"sample_size\",\"params\":{\"baseline_rate\":0.1}}]}\n```"}}
	p := NewPlanner(model, testRegistry(), nil, nil)

	plan, err := p.Plan(t.Context(), "s", "crunch the numbers please", NewContext(nil))
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, roster.KeyAnalysis, plan.Tasks[0].AgentKey)
	assert.Equal(t, "custom", plan.WorkflowName)
}

func TestPlannerZeroTasksIsNoPlanError(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"tasks":[]}`}}
	p := NewPlanner(model, testRegistry(), nil, nil)

	_, err := p.Plan(t.Context(), "s", "what is the meaning of life", NewContext(nil))
	var noPlan *NoPlanError
	require.True(t, errors.As(err, &noPlan))
	assert.NotEmpty(t, noPlan.Prompts, "the user gets a menu of canonical prompts")
}

func TestPlannerRejectsUnknownAgentFromModel(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"tasks":[{"task_id":"task_1","agent_key":"surgeon","action":"operate"}]}`}}
	p := NewPlanner(model, testRegistry(), nil, nil)

	_, err := p.Plan(t.Context(), "s", "do something weird", NewContext(nil))
	var noPlan *NoPlanError
	require.True(t, errors.As(err, &noPlan))
}

func TestPlanValidateRejectsForwardReferences(t *testing.T) {
	plan := &Plan{Tasks: []Task{
		{TaskID: "task_1", AgentKey: roster.KeyPicot, Action: "synthesize", Params: map[string]any{"articles": "<task_2.validated_articles>"}},
		{TaskID: "task_2", AgentKey: roster.KeyCitation, Action: "validate"},
	}}
	err := plan.Validate(map[string][]string{
		roster.KeyPicot:    {"synthesize"},
		roster.KeyCitation: {"validate"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not defined earlier")
}

func TestPlanValidateRejectsDependenciesInsideParallelGroup(t *testing.T) {
	agents := map[string][]string{
		roster.KeyPubMed: {"search_pubmed"},
		roster.KeyArxiv:  {"search_arxiv"},
	}

	// Group members run concurrently; ordering inside a group is undefined,
	// so a dependent task could be scheduled before its dependency finishes.
	plan := &Plan{Tasks: []Task{
		{TaskID: "task_1", AgentKey: roster.KeyPubMed, Action: "search_pubmed", ParallelGroup: "search"},
		{TaskID: "task_2", AgentKey: roster.KeyArxiv, Action: "search_arxiv", ParallelGroup: "search", DependsOn: []string{"task_1"}},
	}}
	err := plan.Validate(agents)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel group")

	refPlan := &Plan{Tasks: []Task{
		{TaskID: "task_1", AgentKey: roster.KeyPubMed, Action: "search_pubmed", ParallelGroup: "search"},
		{TaskID: "task_2", AgentKey: roster.KeyArxiv, Action: "search_arxiv", ParallelGroup: "search",
			Params: map[string]any{"query": "<task_1.query>"}},
	}}
	err = refPlan.Validate(agents)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel group")

	// Depending on a task outside the group stays legal.
	okPlan := &Plan{Tasks: []Task{
		{TaskID: "task_1", AgentKey: roster.KeyPubMed, Action: "search_pubmed"},
		{TaskID: "task_2", AgentKey: roster.KeyArxiv, Action: "search_arxiv", ParallelGroup: "search", DependsOn: []string{"task_1"}},
		{TaskID: "task_3", AgentKey: roster.KeyPubMed, Action: "search_pubmed", ParallelGroup: "search"},
	}}
	require.NoError(t, okPlan.Validate(agents))
}

func TestPlanValidateEnforcesTaskCeiling(t *testing.T) {
	plan := &Plan{}
	for i := 0; i < MaxPlanTasks+1; i++ {
		plan.Tasks = append(plan.Tasks, Task{
			TaskID:   string(rune('a' + i)),
			AgentKey: roster.KeyPubMed,
			Action:   "search_pubmed",
		})
	}
	err := plan.Validate(map[string][]string{roster.KeyPubMed: {"search_pubmed"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
}

func TestParseDepRef(t *testing.T) {
	id, path, ok := parseDepRef("<task_1.picot_question>")
	require.True(t, ok)
	assert.Equal(t, "task_1", id)
	assert.Equal(t, []string{"picot_question"}, path)

	id, path, ok = parseDepRef("<task_2.data.sample_size_n>")
	require.True(t, ok)
	assert.Equal(t, "task_2", id)
	assert.Equal(t, []string{"data", "sample_size_n"}, path)

	_, _, ok = parseDepRef("plain string")
	assert.False(t, ok)

	_, _, ok = parseDepRef("PMID <30191554>")
	assert.False(t, ok)
}
