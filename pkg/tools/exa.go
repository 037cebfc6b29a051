package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"qi-agent/core/pkg/httpcache"
)

const exaBaseURL = "https://api.exa.ai/search"

// ExaAdapter wraps the Exa semantic web search API. Optional: missing key
// degrades to a typed disabled result.
type ExaAdapter struct {
	client *httpcache.Client
	apiKey string
}

func NewExaAdapter(client *httpcache.Client, apiKey string) *ExaAdapter {
	return &ExaAdapter{client: client, apiKey: apiKey}
}

func (a *ExaAdapter) Name() string { return "exa" }

type exaSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Semantic web search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum results to return (default 10)"`
}

func (a *ExaAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Semantic web search via Exa, returning URL findings",
			ParamSchema: SchemaFor(&exaSearchParams{}),
		},
	}
}

type exaResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		PublishedDate string `json:"publishedDate"`
		Author        string `json:"author"`
		Text          string `json:"text"`
	} `json:"results"`
}

func (a *ExaAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
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
		"query":      query,
		"numResults": maxResults,
		"type":       "neural",
	})
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	var resp exaResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "POST",
		URL:    exaBaseURL,
		Headers: map[string]string{
			"x-api-key":    a.apiKey,
			"Content-Type": "application/json",
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
			AgentSource:    a.Name(),
			Kind:           KindArticle,
			IdentifierKind: IdentURL,
			Identifier:     item.URL,
			Title:          item.Title,
			Authors:        item.Author,
			Date:           item.PublishedDate,
			Abstract:       item.Text,
			RawJSON:        raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
