package agent

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/resilience"
	"qi-agent/core/pkg/tools"
)

// scriptedModel replays a fixed sequence of content responses.
type scriptedModel struct {
	responses []*llms.ContentResponse
	calls     int
	lastOpts  llms.CallOptions
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, opt := range options {
		opt(&m.lastOpts)
	}
	if m.calls >= len(m.responses) {
		return m.responses[len(m.responses)-1], nil
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}
}

func toolCallResponse(id, name string, args map[string]any) *llms.ContentResponse {
	encoded, _ := json.Marshal(args)
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:   id,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      name,
				Arguments: string(encoded),
			},
		}},
	}}}
}

// stubSearchAdapter returns canned findings for any search call.
type stubSearchAdapter struct {
	name     string
	findings []tools.Finding
	calls    int
}

func (a *stubSearchAdapter) Name() string { return a.name }

func (a *stubSearchAdapter) Methods() []tools.MethodSpec {
	return []tools.MethodSpec{{Name: "search", Description: "search the literature"}}
}

func (a *stubSearchAdapter) Invoke(_ context.Context, method string, _ map[string]any) (*tools.Result, error) {
	if method != "search" {
		return nil, tools.UnknownMethodError(a.name, method)
	}
	a.calls++
	return &tools.Result{
		Data:     map[string]any{"count": len(a.findings)},
		Findings: a.findings,
	}, nil
}

func testRunner() *tools.Runner {
	breakers := resilience.NewRegistry(5, 60*time.Second, nil)
	limits := resilience.NewRateLimiters(100, nil)
	return tools.NewRunner(breakers, limits, resilience.RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond, Multiplier: 2, RandomizationFactor: 0}, time.Second)
}

func testConfig(key string) Config {
	return Config{
		Key:          key,
		DisplayName:  "Test Agent",
		Instructions: "You search nursing literature.",
		ModelID:      "gpt-4o-mini",
	}
}

func TestNewBaseRejectsNonZeroTemperature(t *testing.T) {
	cfg := testConfig("pubmed")
	cfg.Temperature = 0.7
	_, err := NewBase(cfg, &scriptedModel{}, testRunner(), nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature must be 0")
}

func TestExecuteGroundedAfterToolCall(t *testing.T) {
	adapter := &stubSearchAdapter{
		name: "pubmed",
		findings: []tools.Finding{
			{AgentSource: "pubmed", IdentifierKind: tools.IdentPMID, Identifier: "30191554", Title: "Hourly rounding RCT"},
		},
	}
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("call-1", "pubmed_search", map[string]any{"query": "fall prevention"}),
		textResponse("Hourly rounding reduced falls (PMID 30191554)."),
	}}

	base, err := NewBase(testConfig("pubmed"), model, testRunner(), []Binding{{Adapter: adapter}}, nil, nil, nil)
	require.NoError(t, err)

	resp, err := base.Execute(t.Context(), &Request{SessionID: "s1", Action: "search", Query: "fall prevention evidence"})
	require.NoError(t, err)

	assert.Equal(t, 1, adapter.calls)
	assert.Equal(t, VerdictGrounded, resp.Verdict)
	assert.False(t, resp.Reply.Refused())
	assert.Contains(t, resp.Reply.Text(), "PMID 30191554")
	assert.Contains(t, resp.Reply.Text(), "does not provide medical advice")
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "pubmed", resp.ToolCalls[0].Tool)
	require.Len(t, resp.Findings, 1)
	assert.InDelta(t, 0, model.lastOpts.Temperature, 1e-9)
}

func TestExecuteSubstitutesRefusalForUnverifiedCitation(t *testing.T) {
	adapter := &stubSearchAdapter{
		name: "pubmed",
		findings: []tools.Finding{
			{AgentSource: "pubmed", IdentifierKind: tools.IdentPMID, Identifier: "30191554"},
		},
	}
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("call-1", "pubmed_search", map[string]any{"query": "fall prevention"}),
		textResponse("Strong support in PMID 30191554 and PMID 99999999."),
	}}

	base, err := NewBase(testConfig("pubmed"), model, testRunner(), []Binding{{Adapter: adapter}}, nil, nil, nil)
	require.NoError(t, err)

	resp, err := base.Execute(t.Context(), &Request{SessionID: "s2", Action: "search", Query: "falls"})
	require.NoError(t, err)

	assert.Equal(t, VerdictHallucinated, resp.Verdict)
	assert.Equal(t, []string{"99999999"}, resp.Unverified)
	assert.True(t, resp.Reply.Refused())
	assert.Contains(t, resp.Reply.Text(), "99999999")
	assert.NotContains(t, resp.Reply.Text(), "Strong support", "hallucinated draft is never delivered")
}

func TestExecuteRefusedVerdictDeliversModelText(t *testing.T) {
	auditLog, err := audit.New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer auditLog.Close()

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("I searched PubMed and found 0 results for that topic."),
	}}
	base, err := NewBase(testConfig("pubmed"), model, testRunner(), nil, nil, auditLog, nil)
	require.NoError(t, err)

	resp, err := base.Execute(t.Context(), &Request{SessionID: "s3", Action: "search", Query: "quantum nursing"})
	require.NoError(t, err)
	assert.Equal(t, VerdictRefused, resp.Verdict)
	assert.True(t, resp.Reply.Refused())
	// An honest zero-result statement is grounded: the model's own words go
	// out, not the substitution template.
	assert.Contains(t, resp.Reply.Text(), "I searched PubMed and found 0 results")
	assert.NotContains(t, resp.Reply.Text(), "I could not verify the cited evidence")
	assert.Contains(t, resp.Reply.Text(), "does not provide medical advice")

	entries := readAuditEntries(t, auditLog.FilePath("pubmed"))
	for _, e := range entries {
		switch e.ActionType {
		case audit.ActionGroundingCheck:
			assert.Equal(t, true, e.Payload["passed"], "a refusal cites nothing, so grounding holds")
		case audit.ActionResponseGenerated:
			assert.Equal(t, true, e.Payload["validation_passed"])
			assert.Equal(t, true, e.Payload["refused"])
		}
	}
}

func readAuditEntries(t *testing.T, path string) []audit.Entry {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []audit.Entry
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	require.NotEmpty(t, entries)
	return entries
}

func TestExecuteUnknownToolFeedsErrorBackToModel(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("call-1", "nonexistent_tool", nil),
		textResponse("I could not verify any sources for that request."),
	}}
	base, err := NewBase(testConfig("pubmed"), model, testRunner(), nil, nil, nil, nil)
	require.NoError(t, err)

	resp, err := base.Execute(t.Context(), &Request{SessionID: "s4", Action: "search", Query: "falls"})
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls, "the loop continues after an unknown tool")
	assert.Empty(t, resp.ToolCalls)
}

func TestMiddlewareWrapsGenerationButNotValidation(t *testing.T) {
	var order []string
	mw := func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			order = append(order, "pre")
			resp, err := next(ctx, req)
			order = append(order, "post")
			return resp, err
		}
	}

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("See PMID 11111111 for details."),
	}}
	base, err := NewBase(testConfig("writing"), model, testRunner(), nil, nil, nil, nil, mw)
	require.NoError(t, err)

	resp, err := base.Execute(t.Context(), &Request{SessionID: "s5", Action: "draft", Query: "draft it"})
	require.NoError(t, err)

	assert.Equal(t, []string{"pre", "post"}, order)
	// Validation ran after the chain: the unverified citation was refused.
	assert.True(t, resp.Reply.Refused())
}

func TestGroundOnArtifactValidator(t *testing.T) {
	view := staticView{artifacts: map[string]any{
		"validated_articles": []any{
			map[string]any{"identifier": "30191554", "identifier_kind": "pmid", "title": "Rounding RCT"},
		},
	}}

	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("Per PMID 30191554, hourly rounding reduces falls by 23%."),
	}}
	base, err := NewBase(testConfig("writing"), model, testRunner(), nil, GroundOnArtifact("validated_articles"), nil, nil)
	require.NoError(t, err)

	resp, err := base.Execute(t.Context(), &Request{SessionID: "s6", Action: "draft", Query: "write the evidence synthesis", View: view})
	require.NoError(t, err)
	assert.Equal(t, VerdictGrounded, resp.Verdict)
	assert.False(t, resp.Reply.Refused())
}

type staticView struct {
	artifacts map[string]any
	phase     string
	summary   string
}

func (v staticView) Artifact(role string) (any, bool) {
	a, ok := v.artifacts[role]
	return a, ok
}

func (v staticView) Phase() string {
	if v.phase == "" {
		return "planning"
	}
	return v.phase
}

func (v staticView) Summary() string { return v.summary }
