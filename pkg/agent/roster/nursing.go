package roster

import (
	"context"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

const nursingInstructions = `You are a broad evidence search specialist for nursing quality-improvement projects.

Search PubMed first; it is the primary source. Broaden to clinical trial registries, medRxiv preprints, Semantic Scholar, CORE, DOAJ and openFDA safety data when PubMed coverage is thin or the question needs trials, preprints or safety signals.
Cite every source by the identifier the tool returned (PMID, NCT number, DOI or URL). When no source returns usable evidence, state that no evidence is available; never cite from memory.`

var nursingSources = []string{
	"pubmed", "clinicaltrials", "medrxiv", "semanticscholar",
	"core", "doaj", "openfda", "serpapi", "exa", "tavily",
}

// NursingAgent searches across every bibliographic source at once. PubMed is
// primary; when it yields nothing and no secondary source succeeds the agent
// refuses outright and persists nothing.
type NursingAgent struct {
	base   *agent.Base
	store  func() *store.ProjectStore
	dedupe bool
}

// NewNursingAgent builds the multi-source specialist.
func NewNursingAgent(deps Deps) (*NursingAgent, error) {
	var bindings []agent.Binding
	for _, a := range []tools.Adapter{
		deps.Tools.PubMed, deps.Tools.ClinicalTrials, deps.Tools.MedRxiv,
		deps.Tools.SemanticScholar, deps.Tools.CORE, deps.Tools.DOAJ,
		deps.Tools.OpenFDA, deps.Tools.SerpAPI, deps.Tools.Exa,
		deps.Tools.Tavily,
	} {
		if a == nil {
			continue
		}
		methods := []string(nil)
		if a.Name() == "pubmed" {
			methods = []string{"search"}
		}
		bindings = append(bindings, agent.Binding{Adapter: a, Methods: methods})
	}

	base, err := agent.NewBase(
		baseConfig(deps, KeyNursing, "Nursing Evidence Search", nursingInstructions),
		deps.Model, deps.Runner, bindings,
		groundOnSources(nursingSources...),
		deps.Audit, deps.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &NursingAgent{base: base, store: deps.Store, dedupe: deps.DedupeAcrossSources}, nil
}

func (a *NursingAgent) Key() string         { return a.base.Key() }
func (a *NursingAgent) DisplayName() string { return a.base.DisplayName() }

func (a *NursingAgent) Actions() []string {
	return []string{"search_pubmed", "search_all", "search_trials", "search_safety"}
}

// Execute runs the grounded multi-source search. Zero findings across every
// source is a hard refusal, independent of whatever prose the model produced.
func (a *NursingAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	resp, err := a.base.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if a.dedupe {
		resp.Findings = tools.DedupeFindings(resp.Findings)
	}

	if len(resp.Findings) == 0 && !resp.Reply.Refused() {
		resp.Verdict = agent.VerdictRefused
		resp.Reply = agent.RefusalReply{Content: "No evidence available: the primary source returned nothing and no secondary source succeeded."}
	}

	resp.Output["findings"] = resp.Findings
	resp.Output["finding_count"] = len(resp.Findings)

	if resp.Reply.Refused() {
		return resp, nil
	}
	if err := persistFindings(ctx, a.store, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
