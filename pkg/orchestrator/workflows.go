package orchestrator

import (
	"strings"

	"qi-agent/core/pkg/agent/roster"
)

// Workflow template identifiers.
const (
	WorkflowValidatedResearch = "validated_research"
	WorkflowParallelSearch    = "parallel_search"
	WorkflowTimelinePlanner   = "timeline_planner"
	WorkflowBasicResearch     = "basic_research"
)

// explicitTriggers maps literal utterance substrings to a workflow id.
// Checked before any keyword scoring.
var explicitTriggers = []struct {
	substring string
	workflow  string
}{
	{"validated research", WorkflowValidatedResearch},
	{"full research workflow", WorkflowValidatedResearch},
	{"research pipeline", WorkflowValidatedResearch},
	{"search all sources", WorkflowParallelSearch},
	{"search everywhere", WorkflowParallelSearch},
	{"parallel search", WorkflowParallelSearch},
	{"plan my timeline", WorkflowTimelinePlanner},
	{"project timeline", WorkflowTimelinePlanner},
	{"quick search", WorkflowBasicResearch},
	{"basic search", WorkflowBasicResearch},
}

// implicitBags score utterances by keyword overlap; two or more hits select
// the workflow. Order encodes priority when several bags tie.
var implicitBags = []struct {
	workflow string
	keywords []string
}{
	{WorkflowTimelinePlanner, []string{"deadline", "milestone", "due", "schedule", "timeline", "gantt"}},
	{WorkflowValidatedResearch, []string{"research", "evidence", "reduce", "improve", "prevention", "patients", "intervention", "outcomes"}},
	{WorkflowParallelSearch, []string{"sources", "preprints", "trials", "broad", "comprehensive", "everywhere"}},
	{WorkflowBasicResearch, []string{"find", "articles", "papers", "literature", "studies", "search"}},
}

// MatchWorkflow returns the template id triggered by an utterance, or "".
func MatchWorkflow(utterance string) string {
	lower := strings.ToLower(utterance)
	for _, t := range explicitTriggers {
		if strings.Contains(lower, t.substring) {
			return t.workflow
		}
	}
	for _, bag := range implicitBags {
		hits := 0
		for _, kw := range bag.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits >= 2 {
			return bag.workflow
		}
	}
	return ""
}

// BuildWorkflow instantiates a template plan for the utterance. The searcher
// key lets the planner's tie-break pick between the PubMed and nursing
// agents for search steps.
func BuildWorkflow(workflow, utterance, searcher string) *Plan {
	if searcher == "" {
		searcher = roster.KeyPubMed
	}
	switch workflow {
	case WorkflowValidatedResearch:
		return &Plan{
			WorkflowName: WorkflowValidatedResearch,
			Tasks: []Task{
				{
					TaskID:   "task_1",
					AgentKey: roster.KeyPicot,
					Action:   "generate_picot",
					Params:   map[string]any{"query": utterance},
				},
				{
					TaskID:    "task_2",
					AgentKey:  searcher,
					Action:    "search_pubmed",
					Params:    map[string]any{"query": utterance, "picot": "<task_1.picot_question>"},
					DependsOn: []string{"task_1"},
				},
				{
					TaskID:    "task_3",
					AgentKey:  roster.KeyCitation,
					Action:    "validate",
					DependsOn: []string{"task_2"},
				},
				{
					TaskID:    "task_4",
					AgentKey:  roster.KeyPicot,
					Action:    "synthesize",
					Params:    map[string]any{"query": utterance, "articles": "<task_3.validated_articles>"},
					DependsOn: []string{"task_3"},
				},
			},
		}

	case WorkflowParallelSearch:
		return &Plan{
			WorkflowName: WorkflowParallelSearch,
			Tasks: []Task{
				{
					TaskID:        "task_1",
					AgentKey:      roster.KeyPubMed,
					Action:        "search_pubmed",
					Params:        map[string]any{"query": utterance},
					ParallelGroup: "search",
				},
				{
					TaskID:        "task_2",
					AgentKey:      roster.KeyArxiv,
					Action:        "search_arxiv",
					Params:        map[string]any{"query": utterance},
					ParallelGroup: "search",
				},
				{
					TaskID:        "task_3",
					AgentKey:      roster.KeyNursing,
					Action:        "search_all",
					Params:        map[string]any{"query": utterance},
					ParallelGroup: "search",
				},
				{
					TaskID:    "task_4",
					AgentKey:  roster.KeyCitation,
					Action:    "validate",
					DependsOn: []string{"task_1", "task_2", "task_3"},
				},
			},
		}

	case WorkflowTimelinePlanner:
		return &Plan{
			WorkflowName: WorkflowTimelinePlanner,
			Tasks: []Task{
				{
					TaskID:   "task_1",
					AgentKey: roster.KeyTimeline,
					Action:   "get_next_milestone",
					Params:   map[string]any{"query": utterance},
				},
			},
		}

	case WorkflowBasicResearch:
		return &Plan{
			WorkflowName: WorkflowBasicResearch,
			Tasks: []Task{
				{
					TaskID:   "task_1",
					AgentKey: searcher,
					Action:   "search_pubmed",
					Params:   map[string]any{"query": utterance},
				},
			},
		}

	default:
		return nil
	}
}
