package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/agent/roster"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

var researchFindings = []tools.Finding{
	{IdentifierKind: tools.IdentPMID, Identifier: "30191554", Title: "Fall prevention bundle trial", AgentSource: "pubmed"},
	{IdentifierKind: tools.IdentPMID, Identifier: "23552949", Title: "Hourly rounding meta-analysis", AgentSource: "pubmed"},
	{IdentifierKind: tools.IdentPMID, Identifier: "20048269", Title: "Bed alarm effectiveness cohort", AgentSource: "pubmed"},
}

var synthesisDraft = "Evidence summary: hourly rounding paired with bed alarms reduced inpatient falls in a " +
	"randomized trial (PMID 30191554) and a meta-analysis of rounding programs (PMID 23552949). " +
	"Strength of evidence: moderate; the strongest signal comes from the pooled estimate, with consistent " +
	"direction of effect across unit types and staffing models. " +
	"Implications for practice: medical-surgical units should adopt hourly rounding with alarm escalation, " +
	"audit compliance weekly, and re-measure fall rates per 1000 patient-days at three and six months. " +
	"Sustainment depends on charge-nurse ownership and visible unit-level run charts."

func researchRegistry(searchErr error) roster.Registry {
	reg := make(roster.Registry)
	reg[roster.KeyPicot] = &stubAgent{key: roster.KeyPicot, execute: func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		switch req.Action {
		case "synthesize":
			return okResponse(map[string]any{"text": synthesisDraft, "draft": synthesisDraft}), nil
		default:
			return okResponse(map[string]any{"text": goodPicot, "picot_question": goodPicot, "picot_version": 1}), nil
		}
	}}
	reg[roster.KeyPubMed] = &stubAgent{key: roster.KeyPubMed, execute: func(_ context.Context, _ *agent.Request) (*agent.Response, error) {
		if searchErr != nil {
			return nil, searchErr
		}
		return okResponse(map[string]any{
			"text":          "Found 3 articles.",
			"findings":      researchFindings,
			"finding_count": len(researchFindings),
		}), nil
	}}
	reg[roster.KeyCitation] = &stubAgent{key: roster.KeyCitation, execute: func(_ context.Context, _ *agent.Request) (*agent.Response, error) {
		return okResponse(map[string]any{
			"text":               "Validated 3 of 3 citations.",
			"reports":            []any{"r1", "r2", "r3"},
			"validated_articles": researchFindings,
			"retraction_rate":    0.0,
		}), nil
	}}
	return reg
}

func newTestAssistant(t *testing.T, reg roster.Registry) (*Assistant, *store.Manager) {
	t.Helper()
	manager, err := store.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	_, err = manager.CreateProject("falls qi")
	require.NoError(t, err)

	a := NewAssistant(manager, reg, nil, DefaultGateConfig(), nil, nil)
	require.NoError(t, a.ActivateProject(t.Context(), "falls qi"))
	return a, manager
}

func TestAssistantResearchTurnEndToEnd(t *testing.T) {
	a, manager := newTestAssistant(t, researchRegistry(nil))

	result, err := a.HandleUtterance(t.Context(), "Research fall prevention in elderly hospitalized patients")
	require.NoError(t, err)

	assert.Contains(t, result.ReplyText, "In elderly hospitalized patients")
	for _, pmid := range []string{"30191554", "23552949", "20048269"} {
		assert.Contains(t, result.ReplyText, pmid)
	}
	assert.Contains(t, result.ReplyText, "does not provide medical advice")
	assert.NotContains(t, result.ReplyText, "Note:", "all gates pass on a clean run")
	assert.Contains(t, result.Suggestions, "Draft literature review section")

	require.NotEmpty(t, result.RunID)
	run, err := manager.ActiveStore().GetWorkflowRun(t.Context(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, 4, run.TotalSteps)
	assert.Equal(t, 4, run.StepsCompleted)

	rows, err := manager.ActiveStore().LoadRecentConversation(t.Context(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "the user turn and the reply are persisted")
}

func TestAssistantSearchFailureSkipsDependents(t *testing.T) {
	a, manager := newTestAssistant(t, researchRegistry(fmt.Errorf("pubmed: circuit breaker open")))

	result, err := a.HandleUtterance(t.Context(), "Research fall prevention in elderly hospitalized patients")
	require.NoError(t, err)

	assert.Contains(t, result.ReplyText, "circuit breaker open")
	assert.Contains(t, result.ReplyText, "skipped because an earlier step did not succeed")
	assert.Contains(t, result.ReplyText, "does not provide medical advice")

	run, err := manager.ActiveStore().GetWorkflowRun(t.Context(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)

	steps, err := manager.ActiveStore().ListWorkflowSteps(t.Context(), result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	statuses := make(map[string]int)
	for _, s := range steps {
		statuses[s.Status]++
	}
	assert.Equal(t, 1, statuses[store.StepStatusCompleted])
	assert.Equal(t, 1, statuses[store.StepStatusFailed])
	assert.Equal(t, 2, statuses[store.StepStatusSkipped])
}

func TestAssistantOffersPromptMenuWhenNoPlanForms(t *testing.T) {
	a, _ := newTestAssistant(t, researchRegistry(nil))

	result, err := a.HandleUtterance(t.Context(), "what is the meaning of life")
	require.NoError(t, err)

	assert.Contains(t, result.ReplyText, "not sure how to help")
	for _, prompt := range CanonicalPrompts {
		assert.Contains(t, result.ReplyText, prompt)
	}
	assert.Contains(t, result.ReplyText, "does not provide medical advice")
	assert.Empty(t, result.RunID)
	assert.Equal(t, CanonicalPrompts, result.Suggestions)
}

func TestAssistantBroadensThinSearchYield(t *testing.T) {
	queries := []string{}
	reg := researchRegistry(nil)
	reg[roster.KeyPubMed] = &stubAgent{key: roster.KeyPubMed, execute: func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		queries = append(queries, req.Query)
		findings := researchFindings[:1]
		if strings.Contains(req.Query, " OR ") {
			findings = researchFindings
		}
		return okResponse(map[string]any{
			"text":          "searched",
			"findings":      findings,
			"finding_count": len(findings),
		}), nil
	}}
	a, _ := newTestAssistant(t, reg)

	result, err := a.HandleUtterance(t.Context(), "Research fall prevention in elderly hospitalized patients")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(queries), 2, "a thin first yield triggers a broadened retry")
	assert.Contains(t, queries[1], " OR ")
	assert.NotContains(t, result.ReplyText, "search yield was thin")
}

func TestAssistantConversationSurvivesTurns(t *testing.T) {
	a, manager := newTestAssistant(t, researchRegistry(nil))

	_, err := a.HandleUtterance(t.Context(), "Research fall prevention in elderly hospitalized patients")
	require.NoError(t, err)
	_, err = a.HandleUtterance(t.Context(), "what is the meaning of life")
	require.NoError(t, err)

	rows, err := manager.ActiveStore().LoadRecentConversation(t.Context(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.Equal(t, 3, rows[3].TurnIndex, "turn indices continue across persisted turns")
}
