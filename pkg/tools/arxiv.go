package tools

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"qi-agent/core/pkg/httpcache"
)

const arxivBaseURL = "http://export.arxiv.org/api/query"

// ArXivAdapter wraps the arXiv Atom query API.
type ArXivAdapter struct {
	client *httpcache.Client
}

func NewArXivAdapter(client *httpcache.Client) *ArXivAdapter {
	return &ArXivAdapter{client: client}
}

func (a *ArXivAdapter) Name() string { return "arxiv" }

type arxivSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=arXiv full-text search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum preprints to return (default 10)"`
}

func (a *ArXivAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search arXiv and return normalized preprint findings",
			ParamSchema: SchemaFor(&arxivSearchParams{}),
		},
	}
}

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

func (a *ArXivAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "search" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 10)

	resp, err := fetchRaw(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    arxivBaseURL,
		Params: url.Values{
			"search_query": {"all:" + query},
			"start":        {"0"},
			"max_results":  {strconv.Itoa(maxResults)},
		},
	})
	if err != nil {
		return nil, err
	}

	var feed arxivFeed
	if err := xml.Unmarshal(resp.Body, &feed); err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindTransient, Err: fmt.Errorf("malformed atom feed: %w", err)}
	}

	findings := make([]Finding, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		id := arxivIDFromURL(entry.ID)
		if id == "" {
			continue
		}
		names := make([]string, 0, len(entry.Authors))
		for _, au := range entry.Authors {
			names = append(names, au.Name)
		}
		raw, _ := json.Marshal(map[string]any{
			"id":        entry.ID,
			"title":     entry.Title,
			"published": entry.Published,
		})
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindPreprint,
			IdentifierKind:  IdentArXiv,
			Identifier:      id,
			Title:           strings.TrimSpace(entry.Title),
			Authors:         strings.Join(names, "; "),
			JournalOrSource: "arXiv",
			Date:            entry.Published,
			Abstract:        strings.TrimSpace(entry.Summary),
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: resp.CacheHit,
	}, nil
}

// arxivIDFromURL strips the abs URL prefix and any version suffix from an
// arXiv entry id like http://arxiv.org/abs/2103.12345v2.
func arxivIDFromURL(entryID string) string {
	idx := strings.LastIndex(entryID, "/abs/")
	if idx < 0 {
		return ""
	}
	id := entryID[idx+len("/abs/"):]
	if v := strings.LastIndex(id, "v"); v > 0 {
		if _, err := strconv.Atoi(id[v+1:]); err == nil {
			id = id[:v]
		}
	}
	return id
}
