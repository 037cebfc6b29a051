package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qi-agent/core/pkg/agent/roster"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

func sampleRun() *RunResult {
	return &RunResult{
		RunID:        "run-1",
		WorkflowName: WorkflowValidatedResearch,
		Status:       store.RunStatusCompleted,
		Order:        []string{"task_1", "task_2", "task_3"},
		Results: map[string]*StepResult{
			"task_1": {
				Task:   Task{TaskID: "task_1", AgentKey: roster.KeyPicot, Action: "generate_picot"},
				Status: StepCompleted,
				Output: map[string]any{"picot_question": "In elderly hospitalized patients (P)...?"},
			},
			"task_2": {
				Task:   Task{TaskID: "task_2", AgentKey: roster.KeyPubMed, Action: "search_pubmed"},
				Status: StepCompleted,
				Output: map[string]any{"findings": []tools.Finding{
					{IdentifierKind: tools.IdentPMID, Identifier: "30191554", Title: "Fall prevention bundle trial"},
					{IdentifierKind: tools.IdentPMID, Identifier: "23552949", Title: "Hourly rounding meta-analysis"},
				}},
			},
			"task_3": {
				Task:   Task{TaskID: "task_3", AgentKey: roster.KeyCitation, Action: "validate"},
				Status: StepCompleted,
				Output: map[string]any{"retraction_rate": 0.0},
			},
		},
	}
}

func TestDeterministicFallbackListsIdentifiers(t *testing.T) {
	s := NewSynthesizer(&scriptedModel{err: fmt.Errorf("model down")}, nil)

	reply := s.Reply(t.Context(), "research falls", sampleRun(), NewContext(nil))
	assert.Contains(t, reply, "In elderly hospitalized patients (P)...?")
	assert.Contains(t, reply, "PMID 30191554")
	assert.Contains(t, reply, "PMID 23552949")
	assert.Contains(t, reply, "retraction rate 0%")
	assert.Contains(t, reply, "does not provide medical advice")
}

func TestReplyUsesModelTextAndAppendsDisclaimerOnce(t *testing.T) {
	s := NewSynthesizer(&scriptedModel{responses: []string{"I drafted your PICOT question and found two articles."}}, nil)

	reply := s.Reply(t.Context(), "research falls", sampleRun(), NewContext(nil))
	assert.Contains(t, reply, "I drafted your PICOT question")
	assert.Contains(t, reply, "does not provide medical advice")
}

func TestDeterministicFallbackReportsFailuresAndSkips(t *testing.T) {
	run := &RunResult{
		Status: store.RunStatusFailed,
		Order:  []string{"task_1", "task_2"},
		Results: map[string]*StepResult{
			"task_1": {
				Task:   Task{TaskID: "task_1", Action: "search_pubmed"},
				Status: StepFailed,
				Error:  "pubmed: circuit breaker open",
			},
			"task_2": {
				Task:   Task{TaskID: "task_2", Action: "synthesize"},
				Status: StepSkipped,
				Error:  "dependency task_1 did not succeed",
			},
		},
	}
	s := NewSynthesizer(nil, nil)

	reply := s.Reply(t.Context(), "research falls", run, NewContext(nil))
	assert.Contains(t, reply, "A step failed: pubmed: circuit breaker open")
	assert.Contains(t, reply, "skipped because an earlier step did not succeed")
}

func TestBuildDigestKeepsReportableFieldsOnly(t *testing.T) {
	run := sampleRun()
	run.Results["task_2"].Output["raw_payload"] = map[string]any{"huge": "blob"}

	digest := buildDigest(run)
	search, ok := digest["search_pubmed"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, search, "raw_payload")
	assert.ElementsMatch(t, []string{"PMID 30191554", "PMID 23552949"}, search["identifiers"])
	assert.Equal(t, store.RunStatusCompleted, digest["run_status"])
}

func TestSuggestionsFollowPhase(t *testing.T) {
	conv := NewContext(nil)
	got := Suggestions(conv)
	assert.Contains(t, got, "Generate a PICOT question for your improvement goal")

	conv.AddArtifact(ArtifactSearch, []string{"x"})
	got = Suggestions(conv)
	assert.Contains(t, got, "Try broader search terms")
	assert.Contains(t, got, "Search all sources, including trials and preprints")

	conv.AddArtifact(ArtifactValidated, []string{"x"})
	got = Suggestions(conv)
	assert.Contains(t, got, "Draft literature review section")

	conv.AddArtifact(ArtifactSynthesis, "Evidence: ...")
	got = Suggestions(conv)
	assert.Contains(t, got, "Draft literature review section")
}

func TestSuggestionsSkipCompletedActionsAndStayBounded(t *testing.T) {
	conv := NewContext(nil)
	conv.MarkCompleted(roster.KeyPicot, "generate_picot")

	got := Suggestions(conv)
	require.GreaterOrEqual(t, len(got), 3)
	assert.LessOrEqual(t, len(got), 5)
	for _, s := range got {
		assert.NotContains(t, s, "Generate a PICOT")
	}

	assert.GreaterOrEqual(t, len(Suggestions(nil)), 3, "nil context still yields a menu")
}
