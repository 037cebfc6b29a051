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

const openFDABaseURL = "https://api.fda.gov/drug/event.json"

// OpenFDAAdapter wraps the openFDA adverse-event API, used for safety context
// around interventions. No key is required for low-volume access.
type OpenFDAAdapter struct {
	client *httpcache.Client
}

func NewOpenFDAAdapter(client *httpcache.Client) *OpenFDAAdapter {
	return &OpenFDAAdapter{client: client}
}

func (a *OpenFDAAdapter) Name() string { return "openfda" }

type openFDASearchParams struct {
	Drug       string `json:"drug" jsonschema:"required,description=Drug or substance name to query adverse events for"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum reports to return (default 5)"`
}

func (a *OpenFDAAdapter) Methods() []MethodSpec {
	return []MethodSpec{
		{
			Name:        "adverse_events",
			Description: "Fetch adverse event reports for a drug from openFDA",
			ParamSchema: SchemaFor(&openFDASearchParams{}),
		},
	}
}

type openFDAResponse struct {
	Results []struct {
		SafetyReportID string `json:"safetyreportid"`
		ReceiveDate    string `json:"receivedate"`
		Patient        struct {
			Reaction []struct {
				ReactionMedDRAPT string `json:"reactionmeddrapt"`
			} `json:"reaction"`
		} `json:"patient"`
	} `json:"results"`
}

func (a *OpenFDAAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*Result, error) {
	if method != "adverse_events" {
		return nil, UnknownMethodError(a.Name(), method)
	}
	drug, err := ParamString(params, "drug")
	if err != nil {
		return nil, &ToolError{Tool: a.Name(), Kind: KindUser, Err: err}
	}
	maxResults := ParamInt(params, "max_results", 5)

	var resp openFDAResponse
	hit, err := fetchJSON(ctx, a.client, a.Name(), &httpcache.Request{
		Method: "GET",
		URL:    openFDABaseURL,
		Params: url.Values{
			"search": {fmt.Sprintf(`patient.drug.medicinalproduct:%q`, drug)},
			"limit":  {strconv.Itoa(maxResults)},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(resp.Results))
	for _, report := range resp.Results {
		if report.SafetyReportID == "" {
			continue
		}
		reactions := make([]string, 0, len(report.Patient.Reaction))
		for _, r := range report.Patient.Reaction {
			reactions = append(reactions, r.ReactionMedDRAPT)
		}
		raw, _ := json.Marshal(report)
		findings = append(findings, Finding{
			AgentSource:     a.Name(),
			Kind:            KindStandard,
			IdentifierKind:  IdentURL,
			Identifier:      openFDABaseURL + "?safetyreportid=" + report.SafetyReportID,
			Title:           fmt.Sprintf("Adverse event report %s for %s", report.SafetyReportID, drug),
			JournalOrSource: "openFDA",
			Date:            report.ReceiveDate,
			Abstract:        "Reported reactions: " + strings.Join(reactions, ", "),
			RawJSON:         raw,
		})
	}
	return &Result{
		Data:     map[string]any{"count": len(findings), "drug": drug},
		Findings: findings,
		CacheHit: hit,
	}, nil
}
