package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"qi-agent/core/pkg/httpcache"
)

const coreBaseURL = "https://api.core.ac.uk/v3/search/works"

// COREAdapter wraps the CORE open-access aggregator. CORE requires an API
// key; without one the adapter degrades to a typed disabled result.
type COREAdapter struct {
	client *httpcache.Client
	apiKey string
}

func NewCOREAdapter(client *httpcache.Client, apiKey string) *COREAdapter {
	return &COREAdapter{client: client, apiKey: apiKey}
}

func (a *COREAdapter) Name() string { return "core" }

type coreSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Open-access works search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum works to return (default 10)"`
}

func (a *COREAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search CORE open-access works and return normalized findings",
			ParamSchema: SchemaFor(&coreSearchParams{}),
		},
	}
}

type coreResponse struct {
	Results []struct {
		DOI           string `json:"doi"`
		Title         string `json:"title"`
		Abstract      string `json:"abstract"`
		PublishedDate string `json:"publishedDate"`
		Publisher     string `json:"publisher"`
		DownloadURL   string `json:"downloadUrl"`
		Authors       []struct {
			Name string `json:"name"`
		} `json:"authors"`
	} `json:"results"`
}

func (a *COREAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
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

	var resp coreResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method:  "GET",
		URL:     coreBaseURL,
		Headers: map[string]string{"Authorization": "Bearer " + a.apiKey},
		Params: url.Values{
			"q":     {query},
			"limit": {strconv.Itoa(maxResults)},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Results))
	for _, work := range resp.Results {
		identKind, ident := IdentDOI, work.DOI
		if ident == "" {
			if work.DownloadURL == "" {
				continue
			}
			identKind, ident = IdentURL, work.DownloadURL
		}
		names := make([]string, 0, len(work.Authors))
		for _, au := range work.Authors {
			names = append(names, au.Name)
		}
		raw, _ := json.Marshal(work)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindArticle,
			IdentifierKind:  identKind,
			Identifier:      ident,
			Title:           work.Title,
			Authors:         strings.Join(names, "; "),
			JournalOrSource: work.Publisher,
			Date:            work.PublishedDate,
			Abstract:        work.Abstract,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
