package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"qi-agent/core/pkg/httpcache"
)

const serpAPIBaseURL = "https://serpapi.com/search.json"

// SerpAPIAdapter wraps SerpAPI's Google Scholar engine. Optional: without a
// key the adapter degrades to a typed disabled result and never blocks agent
// construction.
type SerpAPIAdapter struct {
	client *httpcache.Client
	apiKey string
}

func NewSerpAPIAdapter(client *httpcache.Client, apiKey string) *SerpAPIAdapter {
	return &SerpAPIAdapter{client: client, apiKey: apiKey}
}

func (a *SerpAPIAdapter) Name() string { return "serpapi" }

type serpSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Scholar search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum results to return (default 10)"`
}

func (a *SerpAPIAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search Google Scholar via SerpAPI and return URL findings",
			ParamSchema: SchemaFor(&serpSearchParams{}),
		},
	}
}

type serpResponse struct {
	OrganicResults []struct {
		Title           string `json:"title"`
		Link            string `json:"link"`
		Snippet         string `json:"snippet"`
		PublicationInfo struct {
			Summary string `json:"summary"`
		} `json:"publication_info"`
	} `json:"organic_results"`
}

func (a *SerpAPIAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
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

	var resp serpResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    serpAPIBaseURL,
		Params: url.Values{
			"engine":  {"google_scholar"},
			"q":       {query},
			"num":     {strconv.Itoa(maxResults)},
			"api_key": {a.apiKey},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.OrganicResults))
	for _, item := range resp.OrganicResults {
		if item.Link == "" {
			continue
		}
		raw, _ := json.Marshal(item)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindArticle,
			IdentifierKind:  IdentURL,
			Identifier:      item.Link,
			Title:           item.Title,
			Authors:         item.PublicationInfo.Summary,
			JournalOrSource: "Google Scholar",
			Abstract:        item.Snippet,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
