// Package roster builds the seven project specialists over the shared agent
// core: PICOT/writing, PubMed, arXiv, nursing multi-source, timeline, data
// analysis and citation validation.
package roster

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

// Agent keys, stable across audit files, workflow rows and plans.
const (
	KeyPicot    = "picot_writing"
	KeyPubMed   = "pubmed"
	KeyArxiv    = "arxiv"
	KeyNursing  = "nursing"
	KeyTimeline = "timeline"
	KeyAnalysis = "data_analysis"
	KeyCitation = "citation_validation"
)

// Toolset is the full adapter inventory agents pick from. Optional adapters
// may be present but disabled; a nil entry is simply not bound.
type Toolset struct {
	PubMed          tools.Adapter
	ArXiv           tools.Adapter
	ClinicalTrials  tools.Adapter
	MedRxiv         tools.Adapter
	SemanticScholar tools.Adapter
	CORE            tools.Adapter
	DOAJ            tools.Adapter
	OpenFDA         tools.Adapter
	SerpAPI         tools.Adapter
	Exa             tools.Adapter
	Tavily          tools.Adapter
	Stats           tools.Adapter
}

// Deps carries everything roster construction needs. Store returns the active
// project's store and may return nil when no project is activated.
type Deps struct {
	Model     llms.Model
	ModelID   string
	MaxTokens int
	Runner    *tools.Runner
	Tools     Toolset
	Audit     *audit.Logger
	Logger    utils.ExtendedLogger
	Store     func() *store.ProjectStore

	// DedupeAcrossSources collapses identical identifiers returned by
	// different sources inside the nursing agent. Parameterized because the
	// desired behavior differs between synthesis and coverage reporting.
	DedupeAcrossSources bool
	// RetractionLookup is the adapter used for retraction checks, normally
	// the PubMed adapter.
	RetractionLookup tools.Adapter
}

// Capability is the planner-facing description of one agent.
type Capability struct {
	Key         string
	Description string
	Actions     []string
}

// Registry maps agent keys to constructed agents.
type Registry map[string]agent.Agent

// Get returns a registered agent.
func (r Registry) Get(key string) (agent.Agent, bool) {
	a, ok := r[key]
	return a, ok
}

// Capabilities lists every agent for the planner prompt, in a stable order.
func (r Registry) Capabilities() []Capability {
	order := []string{KeyPicot, KeyPubMed, KeyArxiv, KeyNursing, KeyTimeline, KeyAnalysis, KeyCitation}
	var out []Capability
	for _, key := range order {
		a, ok := r[key]
		if !ok {
			continue
		}
		out = append(out, Capability{
			Key:         key,
			Description: describe(key),
			Actions:     a.Actions(),
		})
	}
	return out
}

func describe(key string) string {
	switch key {
	case KeyPicot:
		return "formulates and refines PICOT questions and writes evidence syntheses from validated articles"
	case KeyPubMed:
		return "searches PubMed for peer-reviewed nursing and clinical literature"
	case KeyArxiv:
		return "searches arXiv for methods and informatics preprints"
	case KeyNursing:
		return "broad evidence search across PubMed, trial registries, preprints and open-access indexes"
	case KeyTimeline:
		return "manages project milestones, due dates and schedule queries"
	case KeyAnalysis:
		return "plans statistical analyses: sample size, power, feasibility"
	case KeyCitation:
		return "grades saved evidence: hierarchy level, retraction status, currency, quality score"
	default:
		return ""
	}
}

// BuildAll constructs the full roster. Construction fails only on contract
// violations (bad model config), never on missing optional credentials.
func BuildAll(deps Deps) (Registry, error) {
	if deps.Model == nil {
		return nil, fmt.Errorf("roster requires a model")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("roster requires a tool runner")
	}
	if deps.RetractionLookup == nil {
		deps.RetractionLookup = deps.Tools.PubMed
	}

	reg := make(Registry, 7)

	picot, err := NewPicotWritingAgent(deps)
	if err != nil {
		return nil, err
	}
	reg[KeyPicot] = picot

	pubmed, err := NewPubMedAgent(deps)
	if err != nil {
		return nil, err
	}
	reg[KeyPubMed] = pubmed

	arxiv, err := NewArxivAgent(deps)
	if err != nil {
		return nil, err
	}
	reg[KeyArxiv] = arxiv

	nursing, err := NewNursingAgent(deps)
	if err != nil {
		return nil, err
	}
	reg[KeyNursing] = nursing

	timeline, err := NewTimelineAgent(deps)
	if err != nil {
		return nil, err
	}
	reg[KeyTimeline] = timeline

	analysis, err := NewAnalysisAgent(deps)
	if err != nil {
		return nil, err
	}
	reg[KeyAnalysis] = analysis

	reg[KeyCitation] = NewCitationAgent(deps)

	return reg, nil
}

func baseConfig(deps Deps, key, name, instructions string) agent.Config {
	return agent.Config{
		Key:          key,
		DisplayName:  name,
		Instructions: instructions,
		ModelID:      deps.ModelID,
		Temperature:  0,
		MaxTokens:    deps.MaxTokens,
	}
}
