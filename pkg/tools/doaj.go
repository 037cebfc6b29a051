package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"qi-agent/core/pkg/httpcache"
)

const doajBaseURL = "https://doaj.org/api/search/articles/"

// DOAJAdapter wraps the Directory of Open Access Journals search API. No key
// is required.
type DOAJAdapter struct {
	client *httpcache.Client
}

func NewDOAJAdapter(client *httpcache.Client) *DOAJAdapter {
	return &DOAJAdapter{client: client}
}

func (a *DOAJAdapter) Name() string { return "doaj" }

type doajSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Open-access article search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum articles to return (default 10)"`
}

func (a *DOAJAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search DOAJ articles and return normalized findings with DOIs",
			ParamSchema: SchemaFor(&doajSearchParams{}),
		},
	}
}

type doajResponse struct {
	Results []struct {
		Bibjson struct {
			Title    string `json:"title"`
			Abstract string `json:"abstract"`
			Year     string `json:"year"`
			Journal  struct {
				Title string `json:"title"`
			} `json:"journal"`
			Author []struct {
				Name string `json:"name"`
			} `json:"author"`
			Identifier []struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			} `json:"identifier"`
		} `json:"bibjson"`
	} `json:"results"`
}

func (a *DOAJAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "search" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 10)

	var resp doajResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    doajBaseURL + url.PathEscape(query),
		Params: url.Values{"pageSize": {strconv.Itoa(maxResults)}},
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Results))
	for _, item := range resp.Results {
		doi := ""
		for _, ident := range item.Bibjson.Identifier {
			if strings.EqualFold(ident.Type, "doi") {
				doi = ident.ID
				break
			}
		}
		if doi == "" {
			continue
		}
		names := make([]string, 0, len(item.Bibjson.Author))
		for _, au := range item.Bibjson.Author {
			names = append(names, au.Name)
		}
		raw, _ := json.Marshal(item.Bibjson)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindArticle,
			IdentifierKind:  IdentDOI,
			Identifier:      doi,
			Title:           item.Bibjson.Title,
			Authors:         strings.Join(names, "; "),
			JournalOrSource: item.Bibjson.Journal.Title,
			Date:            item.Bibjson.Year,
			Abstract:        item.Bibjson.Abstract,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
