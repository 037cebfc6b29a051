package roster

import (
	"context"
	"fmt"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/store"
)

const picotInstructions = `You are a nursing quality-improvement research assistant specialized in question formulation and academic writing.

For PICOT work, produce a complete question naming Population, Intervention, Comparison, Outcome and Timeframe, phrased for a QI project.
For synthesis work, write a concise evidence summary that cites only the validated articles provided in context. Cite them by PMID or DOI exactly as given. Never introduce a source that is not in the provided list.`

// PicotWritingAgent formulates PICOT questions and writes syntheses. It has
// no search tools; it may cite only identifiers present in the validated
// articles artifact. Successful outputs are versioned into the project store.
type PicotWritingAgent struct {
	base  *agent.Base
	store func() *store.ProjectStore
}

// NewPicotWritingAgent builds the writing specialist.
func NewPicotWritingAgent(deps Deps) (*PicotWritingAgent, error) {
	base, err := agent.NewBase(
		baseConfig(deps, KeyPicot, "PICOT & Writing", picotInstructions),
		deps.Model, deps.Runner, nil,
		agent.GroundOnArtifact("validated_articles"),
		deps.Audit, deps.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &PicotWritingAgent{base: base, store: deps.Store}, nil
}

func (a *PicotWritingAgent) Key() string         { return a.base.Key() }
func (a *PicotWritingAgent) DisplayName() string { return a.base.DisplayName() }

func (a *PicotWritingAgent) Actions() []string {
	return []string{"generate_picot", "refine_picot", "synthesize", "draft_section"}
}

// Execute runs the grounded writing call and persists the result: PICOT
// actions become numbered versions, writing actions become drafts.
func (a *PicotWritingAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	resp, err := a.base.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Reply.Refused() {
		return resp, nil
	}

	text, _ := resp.Output["text"].(string)
	st := a.activeStore()

	switch req.Action {
	case "generate_picot", "refine_picot":
		resp.Output["picot_question"] = text
		if st != nil {
			version, err := st.InsertPicotVersion(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("failed to persist picot version: %w", err)
			}
			resp.Output["picot_version"] = version
		}
	case "synthesize", "draft_section":
		section, _ := req.Params["section"].(string)
		if section == "" {
			section = req.Action
		}
		resp.Output["draft"] = text
		resp.Output["section"] = section
		if st != nil {
			id, err := st.InsertWritingDraft(ctx, section, text)
			if err != nil {
				return nil, fmt.Errorf("failed to persist writing draft: %w", err)
			}
			resp.Output["draft_id"] = id
		}
	}
	return resp, nil
}

func (a *PicotWritingAgent) activeStore() *store.ProjectStore {
	if a.store == nil {
		return nil
	}
	return a.store()
}
