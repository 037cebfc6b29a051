package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qi-agent/core/pkg/httpcache"
)

const medrxivBaseURL = "https://api.biorxiv.org/details/medrxiv"

// MedRxivAdapter wraps the medRxiv details API. The vendor exposes no keyword
// search, so recent preprints are fetched by date interval and filtered
// client-side.
type MedRxivAdapter struct {
	client *httpcache.Client

	now func() time.Time
}

func NewMedRxivAdapter(client *httpcache.Client) *MedRxivAdapter {
	return &MedRxivAdapter{client: client, now: time.Now}
}

func (a *MedRxivAdapter) Name() string { return "medrxiv" }

type medrxivSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Keyword filter applied to recent preprints"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum preprints to return (default 10)"`
	WindowDays int    `json:"window_days,omitempty" jsonschema:"description=Days of recent preprints to scan (default 90)"`
}

func (a *MedRxivAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Scan recent medRxiv preprints and return keyword matches with DOIs",
			ParamSchema: SchemaFor(&medrxivSearchParams{}),
		},
	}
}

type medrxivResponse struct {
	Collection []struct {
		DOI      string `json:"doi"`
		Title    string `json:"title"`
		Authors  string `json:"authors"`
		Date     string `json:"date"`
		Abstract string `json:"abstract"`
		Category string `json:"category"`
	} `json:"collection"`
}

func (a *MedRxivAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "search" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 10)
	windowDays := ParamInt(params, "window_days", 90)

	end := a.now()
	start := end.AddDate(0, 0, -windowDays)
	interval := fmt.Sprintf("%s/%s/0", start.Format("2006-01-02"), end.Format("2006-01-02"))

	var resp medrxivResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    medrxivBaseURL + "/" + interval,
	}, &resp)
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	findings := make([]Finding, 0, maxResults)
	for _, item := range resp.Collection {
		if len(findings) >= maxResults {
			break
		}
		if item.DOI == "" || !matchesAny(item.Title+" "+item.Abstract, terms) {
			continue
		}
		raw, _ := json.Marshal(item)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindPreprint,
			IdentifierKind:  IdentDOI,
			Identifier:      item.DOI,
			Title:           item.Title,
			Authors:         item.Authors,
			JournalOrSource: "medRxiv",
			Date:            item.Date,
			Abstract:        item.Abstract,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}

func matchesAny(text string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
