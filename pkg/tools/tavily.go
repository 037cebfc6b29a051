package tools

import (
	"context"
	"encoding/json"

	"qi-agent/core/pkg/httpcache"
)

const tavilyBaseURL = "https://api.tavily.com/search"

// TavilyAdapter wraps the Tavily web search API. Optional: without a key the
// adapter degrades to a typed disabled result and never blocks agent
// construction.
type TavilyAdapter struct {
	client *httpcache.Client
	apiKey string
}

func NewTavilyAdapter(client *httpcache.Client, apiKey string) *TavilyAdapter {
	return &TavilyAdapter{client: client, apiKey: apiKey}
}

func (a *TavilyAdapter) Name() string { return "tavily" }

type tavilySearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Web search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum results to return (default 10)"`
}

func (a *TavilyAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search the web via Tavily and return URL findings",
			ParamSchema: SchemaFor(&tavilySearchParams{}),
		},
	}
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		PublishedDate string  `json:"published_date"`
		Score         float64 `json:"score"`
	} `json:"results"`
}

func (a *TavilyAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "search" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	if a.apiKey == "" {
		return DisabledResult(a.Name(), "no API key configured"), nil
	}
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 10)

	body, err := json.Marshal(map[string]any{
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}

	var resp tavilyResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "POST",
		URL:    tavilyBaseURL,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + a.apiKey,
		},
		Body: body,
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Results))
	for _, item := range resp.Results {
		if item.URL == "" {
			continue
		}
		raw, _ := json.Marshal(item)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindArticle,
			IdentifierKind:  IdentURL,
			Identifier:      item.URL,
			Title:           item.Title,
			JournalOrSource: "Tavily",
			Date:            item.PublishedDate,
			Abstract:        item.Content,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
