package tools

import "encoding/json"

// FindingKind is the evidence category of one normalized result.
type FindingKind string

const (
	KindArticle   FindingKind = "article"
	KindTrial     FindingKind = "trial"
	KindPreprint  FindingKind = "preprint"
	KindStandard  FindingKind = "standard"
	KindGuideline FindingKind = "guideline"
)

// IdentifierKind names the identifier scheme carried by a Finding.
type IdentifierKind string

const (
	IdentPMID  IdentifierKind = "pmid"
	IdentDOI   IdentifierKind = "doi"
	IdentArXiv IdentifierKind = "arxiv_id"
	IdentNCT   IdentifierKind = "nct_id"
	IdentURL   IdentifierKind = "url"
)

// Finding is the uniform shape every adapter normalizes vendor payloads into,
// so downstream grounding can compare identifiers without caring which vendor
// produced them.
type Finding struct {
	AgentSource     string          `json:"agent_source"`
	Kind            FindingKind     `json:"kind"`
	IdentifierKind  IdentifierKind  `json:"identifier_kind"`
	Identifier      string          `json:"identifier"`
	Title           string          `json:"title"`
	Authors         string          `json:"authors"`
	JournalOrSource string          `json:"journal_or_source"`
	Date            string          `json:"date"`
	Abstract        string          `json:"abstract"`
	RawJSON         json.RawMessage `json:"raw_json,omitempty"`
}

// DedupeFindings collapses findings sharing (identifier_kind, identifier),
// keeping the first occurrence.
func DedupeFindings(findings []Finding) []Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		key := string(f.IdentifierKind) + ":" + f.Identifier
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}
