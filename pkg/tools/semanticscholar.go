package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"qi-agent/core/pkg/httpcache"
)

const s2BaseURL = "https://api.semanticscholar.org/graph/v1/paper/search"

// SemanticScholarAdapter wraps the Semantic Scholar Graph API. The API key is
// optional; without one the shared public quota applies.
type SemanticScholarAdapter struct {
	client *httpcache.Client
	apiKey string
}

func NewSemanticScholarAdapter(client *httpcache.Client, apiKey string) *SemanticScholarAdapter {
	return &SemanticScholarAdapter{client: client, apiKey: apiKey}
}

func (a *SemanticScholarAdapter) Name() string { return "semanticscholar" }

type s2SearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Paper search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum papers to return (default 10)"`
}

func (a *SemanticScholarAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search Semantic Scholar and return normalized findings with DOIs or PMIDs",
			ParamSchema: SchemaFor(&s2SearchParams{}),
		},
	}
}

type s2Response struct {
	Data []struct {
		Title       string `json:"title"`
		Abstract    string `json:"abstract"`
		Year        int    `json:"year"`
		Venue       string `json:"venue"`
		ExternalIDs struct {
			DOI    string `json:"DOI"`
			PubMed string `json:"PubMed"`
			ArXiv  string `json:"ArXiv"`
		} `json:"externalIds"`
		Authors []struct {
			Name string `json:"name"`
		} `json:"authors"`
	} `json:"data"`
}

func (a *SemanticScholarAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "search" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 10)

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["x-api-key"] = a.apiKey
	}

	var resp s2Response
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method:  "GET",
		URL:     s2BaseURL,
		Headers: headers,
		Params: url.Values{
			"query":  {query},
			"limit":  {strconv.Itoa(maxResults)},
			"fields": {"title,abstract,year,venue,externalIds,authors"},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Data))
	for _, paper := range resp.Data {
		identKind, ident := IdentDOI, paper.ExternalIDs.DOI
		switch {
		case paper.ExternalIDs.PubMed != "":
			identKind, ident = IdentPMID, paper.ExternalIDs.PubMed
		case paper.ExternalIDs.DOI != "":
		case paper.ExternalIDs.ArXiv != "":
			identKind, ident = IdentArXiv, paper.ExternalIDs.ArXiv
		default:
			continue
		}
		names := make([]string, 0, len(paper.Authors))
		for _, au := range paper.Authors {
			names = append(names, au.Name)
		}
		year := ""
		if paper.Year > 0 {
			year = strconv.Itoa(paper.Year)
		}
		raw, _ := json.Marshal(paper)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindArticle,
			IdentifierKind:  identKind,
			Identifier:      ident,
			Title:           paper.Title,
			Authors:         strings.Join(names, "; "),
			JournalOrSource: paper.Venue,
			Date:            year,
			Abstract:        paper.Abstract,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
