package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"qi-agent/core/pkg/httpcache"
)

const ctgovBaseURL = "https://clinicaltrials.gov/api/v2/studies"

// ClinicalTrialsAdapter wraps the ClinicalTrials.gov v2 API.
type ClinicalTrialsAdapter struct {
	client *httpcache.Client
}

func NewClinicalTrialsAdapter(client *httpcache.Client) *ClinicalTrialsAdapter {
	return &ClinicalTrialsAdapter{client: client}
}

func (a *ClinicalTrialsAdapter) Name() string { return "clinicaltrials" }

type ctgovSearchParams struct {
	Query      string `json:"query" jsonschema:"required,description=Condition or intervention search term"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum trials to return (default 10)"`
}

func (a *ClinicalTrialsAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "search",
			Description: "Search ClinicalTrials.gov and return normalized trial findings with NCT ids",
			ParamSchema: SchemaFor(&ctgovSearchParams{}),
		},
	}
}

type ctgovResponse struct {
	Studies []struct {
		ProtocolSection struct {
			IdentificationModule struct {
				NCTID      string `json:"nctId"`
				BriefTitle string `json:"briefTitle"`
			} `json:"identificationModule"`
			StatusModule struct {
				StartDateStruct struct {
					Date string `json:"date"`
				} `json:"startDateStruct"`
			} `json:"statusModule"`
			DescriptionModule struct {
				BriefSummary string `json:"briefSummary"`
			} `json:"descriptionModule"`
			SponsorCollaboratorsModule struct {
				LeadSponsor struct {
					Name string `json:"name"`
				} `json:"leadSponsor"`
			} `json:"sponsorCollaboratorsModule"`
		} `json:"protocolSection"`
	} `json:"studies"`
}

func (a *ClinicalTrialsAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "search" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	query, err := ParamString(params, "query")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 10)

	var resp ctgovResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    ctgovBaseURL,
		Params: url.Values{
			"query.term": {query},
			"pageSize":   {strconv.Itoa(maxResults)},
			"format":     {"json"},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Studies))
	for _, study := range resp.Studies {
		ident := study.ProtocolSection.IdentificationModule
		if ident.NCTID == "" {
			continue
		}
		raw, _ := json.Marshal(study)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindTrial,
			IdentifierKind:  IdentNCT,
			Identifier:      ident.NCTID,
			Title:           strings.TrimSpace(ident.BriefTitle),
			Authors:         study.ProtocolSection.SponsorCollaboratorsModule.LeadSponsor.Name,
			JournalOrSource: "ClinicalTrials.gov",
			Date:            study.ProtocolSection.StatusModule.StartDateStruct.Date,
			Abstract:        study.ProtocolSection.DescriptionModule.BriefSummary,
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "query": query},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
