package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/tools"
)

// Synthesizer turns a run's results into one coherent first-person reply.
// When the model call fails it falls back to a deterministic digest, so the
// user always gets an answer.
type Synthesizer struct {
	model  llms.Model
	logger utils.ExtendedLogger
}

// NewSynthesizer builds the reply generator.
func NewSynthesizer(model llms.Model, logger utils.ExtendedLogger) *Synthesizer {
	return &Synthesizer{model: model, logger: logger}
}

const synthesizerPrompt = `You are a nursing research assistant reporting back to the user.

Write a concise first-person reply covering the results below. Rules:
- Never mention internal task ids, agent names, or show raw JSON.
- Keep every identifier (PMID, DOI, milestone date, sample size) exactly as given; add none.
- If a step was refused or failed, state it plainly and suggest what to try.
- Use short paragraphs or bullets; no headers.`

// Reply renders the user-facing text for a finished run.
func (s *Synthesizer) Reply(ctx context.Context, utterance string, run *RunResult, conv *Context) string {
	digest := buildDigest(run)

	text, err := s.generate(ctx, utterance, digest)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnf("reply synthesis fell back to deterministic digest: %v", err)
		}
		text = deterministicReply(run)
	}
	if !strings.Contains(text, "does not provide medical advice") {
		text += agent.Disclaimer
	}
	return text
}

func (s *Synthesizer) generate(ctx context.Context, utterance string, digest map[string]any) (string, error) {
	if s.model == nil {
		return "", fmt.Errorf("no model configured")
	}
	encoded, err := json.Marshal(digest)
	if err != nil {
		return "", err
	}
	resp, err := s.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, synthesizerPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf("User asked: %s\n\nResults:\n%s", utterance, encoded)),
		},
		llms.WithTemperature(0),
	)
	if err != nil {
		return "", fmt.Errorf("synthesizer model call failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", fmt.Errorf("synthesizer model returned nothing")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// buildDigest keeps the recognized, reportable fields of each step and drops
// bulky raw payloads.
func buildDigest(run *RunResult) map[string]any {
	digest := make(map[string]any)
	for _, taskID := range run.Order {
		res := run.Results[taskID]
		entry := map[string]any{"status": res.Status}
		if res.Error != "" {
			entry["error"] = res.Error
		}
		if res.Output != nil {
			for _, key := range []string{"text", "picot_question", "picot_version", "finding_count", "retraction_rate", "draft", "milestone", "analysis_plan"} {
				if v, ok := res.Output[key]; ok {
					entry[key] = v
				}
			}
			if findings, ok := res.Output["findings"].([]tools.Finding); ok {
				ids := make([]string, 0, len(findings))
				for _, f := range findings {
					ids = append(ids, fmt.Sprintf("%s %s", strings.ToUpper(string(f.IdentifierKind)), f.Identifier))
				}
				entry["identifiers"] = ids
			}
		}
		digest[res.Task.Action] = entry
	}
	digest["run_status"] = run.Status
	if run.Error != "" {
		digest["run_error"] = run.Error
	}
	return digest
}

// deterministicReply is the no-model fallback: a bullet list of recognized
// result fields in execution order.
func deterministicReply(run *RunResult) string {
	var b strings.Builder
	b.WriteString("Here is what I completed:\n")
	for _, taskID := range run.Order {
		res := run.Results[taskID]
		switch res.Status {
		case StepSkipped:
			fmt.Fprintf(&b, "- One step was skipped because an earlier step did not succeed.\n")
			continue
		case StepFailed:
			if res.Error == "validation_failed" && res.Output != nil {
				if text, ok := res.Output["text"].(string); ok {
					fmt.Fprintf(&b, "- %s\n", strings.Split(text, "\n")[0])
					continue
				}
			}
			fmt.Fprintf(&b, "- A step failed: %s.\n", res.Error)
			continue
		}
		if res.Output == nil {
			continue
		}
		if v, ok := res.Output["picot_question"].(string); ok {
			fmt.Fprintf(&b, "- PICOT question: %s\n", v)
		}
		if findings, ok := res.Output["findings"].([]tools.Finding); ok {
			fmt.Fprintf(&b, "- Found %d source(s):\n", len(findings))
			for _, f := range findings {
				fmt.Fprintf(&b, "  - %s %s: %s\n", strings.ToUpper(string(f.IdentifierKind)), f.Identifier, f.Title)
			}
		}
		if rate, ok := res.Output["retraction_rate"].(float64); ok {
			fmt.Fprintf(&b, "- Citation validation finished; retraction rate %.0f%%.\n", rate*100)
		}
		if v, ok := res.Output["draft"].(string); ok {
			fmt.Fprintf(&b, "- Draft:\n%s\n", v)
		}
		if m, ok := res.Output["milestone"].(map[string]any); ok {
			fmt.Fprintf(&b, "- Next milestone: %v, due %v.\n", m["name"], m["due_date"])
		}
		if plan, ok := res.Output["analysis_plan"].(map[string]any); ok {
			if n, ok := numeric(plan["sample_size_n"]); ok {
				fmt.Fprintf(&b, "- Required sample size: %d per group (%v, alpha %v, power %v).\n",
					int(n), plan["assumed_effect"], plan["alpha"], plan["power"])
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// suggestionTable is the static next-step menu keyed by phase.
var suggestionTable = map[string][]string{
	string(PhasePlanning): {
		"Generate a PICOT question for your improvement goal",
		"Search PubMed for supporting evidence",
		"Set up project milestones and deadlines",
	},
	string(PhaseSearching): {
		"Validate the saved citations",
		"Try broader search terms",
		"Search all sources, including trials and preprints",
		"Select the strongest articles for synthesis",
	},
	string(PhaseAnalyzing): {
		"Synthesize the validated evidence",
		"Draft literature review section",
		"Calculate the required sample size",
	},
	string(PhaseWriting): {
		"Draft literature review section",
		"Refine the PICOT question with the new evidence",
		"Plan the project timeline",
		"Calculate the required sample size",
	},
}

// Suggestions returns 3-5 phase-appropriate next steps, skipping actions
// already completed in this conversation.
func Suggestions(conv *Context) []string {
	phase := string(PhasePlanning)
	var completed map[string]bool
	if conv != nil {
		phase = conv.Phase()
		completed = make(map[string]bool)
		for _, t := range conv.CompletedTasks() {
			completed[t.Action] = true
		}
	}

	skip := func(opt string) bool {
		if completed == nil {
			return false
		}
		if completed["generate_picot"] && strings.Contains(opt, "Generate a PICOT") {
			return true
		}
		if completed["validate"] && strings.Contains(opt, "Validate the saved") {
			return true
		}
		return false
	}

	out := make([]string, 0, 5)
	for _, opt := range suggestionTable[phase] {
		if !skip(opt) {
			out = append(out, opt)
		}
		if len(out) == 5 {
			break
		}
	}
	if len(out) < 3 {
		for _, opt := range suggestionTable[string(PhaseSearching)] {
			if len(out) == 5 {
				break
			}
			if !skip(opt) && !contains(out, opt) {
				out = append(out, opt)
			}
		}
	}
	return out
}
