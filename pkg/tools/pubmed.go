package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"qi-agent/core/pkg/httpcache"
)

const (
	pubmedBaseURL    = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	pubmedMaxResults = 20
)

// PubMedAdapter wraps the NCBI E-utilities. NCBI policy requires a contact
// email on every request; the rate limiter in front of this adapter must be
// configured for at most 3 requests/second without an API key.
type PubMedAdapter struct {
	client *httpcache.Client
	email  string
}

// NewPubMedAdapter builds the adapter. email is mandatory per vendor policy.
func NewPubMedAdapter(client *httpcache.Client, email string) *PubMedAdapter {
	return &PubMedAdapter{client: client, email: email}
}

func (a *PubMedAdapter) Name() string { return "pubmed" }

type pubmedSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=PubMed search term"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum articles to return (default 20)"`
}

type pubmedRetractionParams struct {
	PMID string `json:"pmid" jsonschema:"required,description=PubMed identifier to check"`
}

func (a *PubMedAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search PubMed and return normalized article findings with PMIDs",
			ParamSchema: SchemaFor(&pubmedSearchParams{}),
		},
		{
			Name:        "check_retraction",
			Description: "Check whether a PMID has a retraction notice indexed",
			ParamSchema: SchemaFor(&pubmedRetractionParams{}),
		},
	}
}

func (a *PubMedAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	switch method {
	case "search":
		return a.search(ctx, params)
	case "check_retraction":
		return a.checkRetraction(ctx, params)
	default:
		return nil, UnknownMethodError(a.Name(), method)
	}
}

type esearchResponse struct {
	ESearchResult struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (a *PubMedAdapter) search(ctx context.Context, params map[string]any) (*Result, error) {
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", pubmedMaxResults)

	values := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmax":  {strconv.Itoa(maxResults)},
		"retmode": {"json"},
		"sort":    {"relevance"},
		"email":   {a.email},
	}
	var searchResp esearchResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    pubmedBaseURL + "/esearch.fcgi",
		Params: values,
	}, &searchResp)
	if err != nil {
		return nil, err
	}

	ids := searchResp.ESearchResult.IDList
	if len(ids) == 0 {
		return &Result{
			Data:     map[string]any{"count": 0, "query": query},
			CacheHit: hit,
		}, nil
	}

	findings, sumHit, err := a.fetchSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit && sumHit,
	}, nil
}

func (a *PubMedAdapter) fetchSummaries(ctx context.Context, pmids []string) ([]Finding, bool, error) {
	values := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(pmids, ",")},
		"retmode": {"json"},
		"email":   {a.email},
	}
	var raw map[string]json.RawMessage
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    pubmedBaseURL + "/esummary.fcgi",
		Params: values,
	}, &raw)
	if err != nil {
		return nil, false, err
	}

	var resultBlock map[string]json.RawMessage
	if block, ok := raw["result"]; ok {
		if err := json.Unmarshal(block, &resultBlock); err != nil {
			return nil, hit, &ToolError{Tool: a.Name(), Kind: KindTransient, Err: fmt.Errorf("malformed esummary payload: %w", err)}
		}
	}

	findings := make([]Finding, 0, len(pmids))
	for _, pmid := range pmids {
		entry, ok := resultBlock[pmid]
		if !ok {
			continue
		}
		var doc struct {
			Title   string `json:"title"`
			Authors []struct {
				Name string `json:"name"`
			} `json:"authors"`
			FullJournalName string `json:"fulljournalname"`
			PubDate         string `json:"pubdate"`
		}
		if err := json.Unmarshal(entry, &doc); err != nil {
			continue
		}
		names := make([]string, 0, len(doc.Authors))
		for _, au := range doc.Authors {
			names = append(names, au.Name)
		}
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindArticle,
			IdentifierKind:  IdentPMID,
			Identifier:      pmid,
			Title:           doc.Title,
			Authors:         strings.Join(names, "; "),
			JournalOrSource: doc.FullJournalName,
			Date:            doc.PubDate,
			RawJSON:         append(json.RawMessage(nil), entry...),
		})
	}
	return findings, hit, nil
}

func (a *PubMedAdapter) checkRetraction(ctx context.Context, params map[string]any) (*Result, error) {
	pmid, err := ParamString(params, "pmid")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}

	values := url.Values{
		"db":      {"pubmed"},
		"term":    {fmt.Sprintf("%s[uid] AND (retracted publication[pt] OR retraction of publication[pt])", pmid)},
		"retmode": {"json"},
		"email":   {a.email},
	}
	var searchResp esearchResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    pubmedBaseURL + "/esearch.fcgi",
		Params: values,
	}, &searchResp)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data: map[string]any{
			"pmid":      pmid,
			"retracted": len(searchResp.ESearchResult.IDList) > 0,
		},
		CacheHit: hit,
	}, nil
}
