package roster

import (
	"context"
	"fmt"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

const pubmedInstructions = `You are a PubMed literature search specialist for nursing quality-improvement projects.

Use the pubmed_search tool to find peer-reviewed evidence. Summarize each relevant result in one or two sentences and cite it by PMID exactly as returned by the tool. If the search returns no results, say so plainly: report that you could not verify any sources rather than citing from memory.`

const arxivInstructions = `You are an arXiv preprint search specialist supporting nursing informatics and methods work.

Use the arxiv_search tool to find preprints. Cite results only by the arXiv identifiers the tool returned. If nothing relevant comes back, report that no evidence was available.`

// groundOnSources builds a validator whose verified set is the union of
// identifiers returned by the named tools in this run. An empty allow set
// admits every tool the agent called.
func groundOnSources(sources ...string) agent.Validator {
	allowed := make(map[string]bool, len(sources))
	for _, s := range sources {
		allowed[s] = true
	}
	return func(_ context.Context, _ *agent.Request, draft string, calls []*tools.Invocation, _ []tools.Finding) (agent.Verdict, []string, error) {
		verified := agent.NewVerifiedSet()
		for _, inv := range calls {
			if len(allowed) > 0 && !allowed[inv.Tool] {
				continue
			}
			if inv.Result == nil {
				continue
			}
			for _, f := range inv.Result.Findings {
				verified.AddFinding(f)
			}
		}
		verdict, unverified := agent.CheckGrounding(draft, verified)
		return verdict, unverified, nil
	}
}

// searchAgent is the shared shape of the single-source search specialists:
// run the grounded search, then persist findings into the active project.
type searchAgent struct {
	base    *agent.Base
	store   func() *store.ProjectStore
	actions []string
}

func (a *searchAgent) Key() string         { return a.base.Key() }
func (a *searchAgent) DisplayName() string { return a.base.DisplayName() }
func (a *searchAgent) Actions() []string   { return a.actions }

func (a *searchAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	resp, err := a.base.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Findings = tools.DedupeFindings(resp.Findings)
	resp.Output["findings"] = resp.Findings
	resp.Output["finding_count"] = len(resp.Findings)

	// Refused or hallucinated runs never persist evidence.
	if resp.Reply.Refused() {
		return resp, nil
	}
	if err := persistFindings(ctx, a.store, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func persistFindings(ctx context.Context, storeFn func() *store.ProjectStore, resp *agent.Response) error {
	if storeFn == nil {
		return nil
	}
	st := storeFn()
	if st == nil {
		return nil
	}
	inserted := 0
	for _, f := range resp.Findings {
		outcome, err := st.SaveFinding(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to save finding %s:%s: %w", f.IdentifierKind, f.Identifier, err)
		}
		if outcome == store.OutcomeInserted {
			inserted++
		}
	}
	resp.Output["findings_saved"] = inserted
	return nil
}

// NewPubMedAgent builds the PubMed specialist. Its verified set is PMIDs
// returned by the PubMed tool only, and Execute is the sole entry point, so
// every invocation passes the grounding check.
func NewPubMedAgent(deps Deps) (*searchAgent, error) {
	var bindings []agent.Binding
	if deps.Tools.PubMed != nil {
		bindings = append(bindings, agent.Binding{Adapter: deps.Tools.PubMed, Methods: []string{"search"}})
	}
	base, err := agent.NewBase(
		baseConfig(deps, KeyPubMed, "PubMed Search", pubmedInstructions),
		deps.Model, deps.Runner, bindings,
		groundOnSources("pubmed"),
		deps.Audit, deps.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &searchAgent{
		base:    base,
		store:   deps.Store,
		actions: []string{"search_pubmed"},
	}, nil
}

// NewArxivAgent builds the arXiv specialist, grounded on arXiv ids only.
func NewArxivAgent(deps Deps) (*searchAgent, error) {
	var bindings []agent.Binding
	if deps.Tools.ArXiv != nil {
		bindings = append(bindings, agent.Binding{Adapter: deps.Tools.ArXiv})
	}
	base, err := agent.NewBase(
		baseConfig(deps, KeyArxiv, "arXiv Search", arxivInstructions),
		deps.Model, deps.Runner, bindings,
		groundOnSources("arxiv"),
		deps.Audit, deps.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &searchAgent{
		base:    base,
		store:   deps.Store,
		actions: []string{"search_arxiv"},
	}, nil
}
