package agent

import (
	"fmt"
	"strings"
)

// Disclaimer is appended to every user-facing reply. The system supports
// quality-improvement research; it never gives patient-care advice.
const Disclaimer = "\n\n---\nThis assistant supports nursing quality-improvement research. It does not provide medical advice, diagnosis, or treatment recommendations."

// Reply is the sum type for an agent's delivered output: either an Ok text or
// a Refusal. The executor can always tell them apart.
type Reply interface {
	// Text is the user-facing content, disclaimer included.
	Text() string
	// Refused reports whether this reply replaced failed output.
	Refused() bool
}

// OkReply is a grounded, delivered agent response.
type OkReply struct {
	Content string
}

func (r OkReply) Text() string  { return r.Content + Disclaimer }
func (r OkReply) Refused() bool { return false }

// RefusalReply is a reply that declines to deliver evidence. With Content set
// it carries the agent's own words — an honest "found nothing" statement,
// which is grounded output. With Content empty it is the substitution
// template that replaces output failing grounding or feasibility checks.
type RefusalReply struct {
	// Content, when non-empty, is delivered verbatim plus the disclaimer.
	Content    string
	Reason     string
	Unverified []string
}

func (r RefusalReply) Text() string {
	if r.Content != "" {
		return r.Content + Disclaimer
	}
	var b strings.Builder
	b.WriteString("I could not verify the cited evidence, so I can't share those results. ")
	b.WriteString(r.Reason)
	if len(r.Unverified) > 0 {
		b.WriteString(fmt.Sprintf(" Unverified identifiers: %s.", strings.Join(r.Unverified, ", ")))
	}
	b.WriteString(" Please try rephrasing the request or searching again.")
	b.WriteString(Disclaimer)
	return b.String()
}

func (r RefusalReply) Refused() bool { return true }
