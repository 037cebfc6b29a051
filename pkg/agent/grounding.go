package agent

import (
	"regexp"
	"strings"

	"qi-agent/core/pkg/tools"
)

// Citation is one identifier assertion extracted from model text.
type Citation struct {
	Kind       tools.IdentifierKind `json:"kind"`
	Identifier string               `json:"identifier"`
	Surface    string               `json:"surface"`
	Offset     int                  `json:"offset"`
}

// Verdict is the grounding outcome of one agent run.
type Verdict string

const (
	VerdictGrounded     Verdict = "grounded"
	VerdictHallucinated Verdict = "hallucinated"
	VerdictRefused      Verdict = "refused"
)

var (
	pmidPattern     = regexp.MustCompile(`(?i)\bPMID[:\s=,]*(\d+)`)
	pmidJSONPattern = regexp.MustCompile(`(?i)["']?pmid["']?\s*[:=,]\s*["']?(\d+)`)
	doiPattern      = regexp.MustCompile(`(?i)\b10\.\d{4,9}/[\w.\-()/:]+`)
	arxivPattern    = regexp.MustCompile(`(?i)\barxiv[:\s]*(\d{4}\.\d{4,5})(v\d+)?`)
	// Legacy subject-prefixed arXiv ids like arXiv:math.GT/0309136.
	arxivLegacyPattern = regexp.MustCompile(`(?i)\barxiv[:\s]*([a-z][a-z\-]+(?:\.[A-Z]{2})?/\d{7})`)
	isoDatePattern     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

// ExtractCitations finds every identifier assertion in model text using the
// fixed surface-form patterns. Extraction is deterministic; no model is
// involved.
func ExtractCitations(text string) []Citation {
	var out []Citation
	seen := make(map[string]bool)

	add := func(kind tools.IdentifierKind, ident, surface string, offset int) {
		ident = strings.TrimRight(ident, ".,;)")
		key := string(kind) + ":" + strings.ToLower(ident)
		if ident == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Citation{Kind: kind, Identifier: ident, Surface: surface, Offset: offset})
	}

	for _, m := range pmidPattern.FindAllStringSubmatchIndex(text, -1) {
		add(tools.IdentPMID, text[m[2]:m[3]], text[m[0]:m[1]], m[0])
	}
	for _, m := range pmidJSONPattern.FindAllStringSubmatchIndex(text, -1) {
		add(tools.IdentPMID, text[m[2]:m[3]], text[m[0]:m[1]], m[0])
	}
	for _, m := range doiPattern.FindAllStringIndex(text, -1) {
		add(tools.IdentDOI, text[m[0]:m[1]], text[m[0]:m[1]], m[0])
	}
	for _, m := range arxivPattern.FindAllStringSubmatchIndex(text, -1) {
		add(tools.IdentArXiv, text[m[2]:m[3]], text[m[0]:m[1]], m[0])
	}
	for _, m := range arxivLegacyPattern.FindAllStringSubmatchIndex(text, -1) {
		add(tools.IdentArXiv, text[m[2]:m[3]], text[m[0]:m[1]], m[0])
	}
	return out
}

// ExtractISODates finds every ISO date token in text, deduplicated in order
// of first appearance.
func ExtractISODates(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range isoDatePattern.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// VerifiedSet is the set of identifiers an agent may cite, built from tool
// results or a scoped trusted artifact.
type VerifiedSet struct {
	idents map[string]bool
}

// NewVerifiedSet builds an empty verified set.
func NewVerifiedSet() *VerifiedSet {
	return &VerifiedSet{idents: make(map[string]bool)}
}

// AddFinding admits one normalized finding's identifier.
func (v *VerifiedSet) AddFinding(f tools.Finding) {
	v.Add(f.IdentifierKind, f.Identifier)
}

// Add admits one identifier.
func (v *VerifiedSet) Add(kind tools.IdentifierKind, ident string) {
	v.idents[string(kind)+":"+strings.ToLower(ident)] = true
}

// Contains reports whether the identifier was verified.
func (v *VerifiedSet) Contains(kind tools.IdentifierKind, ident string) bool {
	return v.idents[string(kind)+":"+strings.ToLower(ident)]
}

// Len returns the number of verified identifiers.
func (v *VerifiedSet) Len() int { return len(v.idents) }

var refusalMarkers = []string{
	"i could not verify",
	"no evidence available",
	"i cannot provide",
	"i don't have verified",
	"found 0 results",
	"unable to find evidence",
}

// CheckGrounding computes the verdict for one run: hallucinated when any
// cited identifier is outside the verified set; refused when the text
// explicitly declines and cites nothing; grounded otherwise.
func CheckGrounding(text string, verified *VerifiedSet) (Verdict, []string) {
	cited := ExtractCitations(text)

	if len(cited) == 0 {
		lower := strings.ToLower(text)
		for _, marker := range refusalMarkers {
			if strings.Contains(lower, marker) {
				return VerdictRefused, nil
			}
		}
		return VerdictGrounded, nil
	}

	var unverified []string
	for _, c := range cited {
		if verified == nil || !verified.Contains(c.Kind, c.Identifier) {
			unverified = append(unverified, c.Identifier)
		}
	}
	if len(unverified) > 0 {
		return VerdictHallucinated, unverified
	}
	return VerdictGrounded, nil
}
