package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tavilyBody = `{"results":[
  {"title":"CDC STEADI fall prevention toolkit","url":"https://www.cdc.gov/steadi/index.html","content":"Older adult fall prevention resources for clinical teams.","published_date":"2024-03-01","score":0.91},
  {"title":"AHRQ fall prevention program","url":"https://www.ahrq.gov/fallprevention","content":"Toolkit for preventing falls in hospitals.","score":0.84},
  {"title":"Broken result","url":"","content":"no link"}
]}`

func TestTavilySearchNormalizesFindings(t *testing.T) {
	rt := &scriptedTransport{responses: map[string]string{
		"api.tavily.com/search": tavilyBody,
	}}
	adapter := NewTavilyAdapter(newCachedClient(t, rt), "tvly-test-key")

	res, err := adapter.Invoke(t.Context(), "search", map[string]any{"query": "fall prevention toolkit"})
	require.NoError(t, err)
	require.Len(t, res.Findings, 2, "results without a URL are dropped")

	first := res.Findings[0]
	assert.Equal(t, "tavily", first.AgentSource)
	assert.Equal(t, IdentURL, first.IdentifierKind)
	assert.Equal(t, "https://www.cdc.gov/steadi/index.html", first.Identifier)
	assert.Equal(t, "CDC STEADI fall prevention toolkit", first.Title)
	assert.Equal(t, "2024-03-01", first.Date)
	assert.Equal(t, 2, res.Data["count"])
}

func TestTavilyDegradesWithoutCredentials(t *testing.T) {
	adapter := NewTavilyAdapter(newCachedClient(t, &scriptedTransport{}), "")

	res, err := adapter.Invoke(t.Context(), "search", map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.True(t, res.Unavailable)
	assert.Contains(t, res.UnavailableReason, "disabled")
}
