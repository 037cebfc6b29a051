package roster

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

// Currency classes on the configurable age thresholds.
const (
	CurrencyCurrent  = "current"
	CurrencyAging    = "aging"
	CurrencyOutdated = "outdated"
	CurrencyUnknown  = "unknown"
)

// CurrencyThresholds bound the age classes in years.
type CurrencyThresholds struct {
	CurrentMax int
	AgingMax   int
}

// DefaultCurrencyThresholds is current <= 5y, aging 5-7y, outdated > 7y.
func DefaultCurrencyThresholds() CurrencyThresholds {
	return CurrencyThresholds{CurrentMax: 5, AgingMax: 7}
}

// CitationReport is the per-identifier grading result.
type CitationReport struct {
	Identifier     string  `json:"identifier"`
	IdentifierKind string  `json:"identifier_kind"`
	Title          string  `json:"title"`
	EvidenceLevel  int     `json:"evidence_level"`
	LevelRationale string  `json:"level_rationale"`
	Retracted      bool    `json:"retracted"`
	Currency       string  `json:"currency"`
	AgeYears       int     `json:"age_years"`
	QualityScore   float64 `json:"quality_score"`
	Known          bool    `json:"known"`
}

// CitationAgent grades stored evidence on the 7-level hierarchy, checks
// retraction status and currency, and computes a composite quality score. It
// is fully deterministic: no model call, and it only ever grades identifiers
// it was given.
type CitationAgent struct {
	runner     *tools.Runner
	lookup     tools.Adapter
	store      func() *store.ProjectStore
	audit      *audit.Logger
	logger     utils.ExtendedLogger
	thresholds CurrencyThresholds
	now        func() time.Time
}

// NewCitationAgent builds the validation specialist.
func NewCitationAgent(deps Deps) *CitationAgent {
	return &CitationAgent{
		runner:     deps.Runner,
		lookup:     deps.RetractionLookup,
		store:      deps.Store,
		audit:      deps.Audit,
		logger:     deps.Logger,
		thresholds: DefaultCurrencyThresholds(),
		now:        time.Now,
	}
}

func (a *CitationAgent) Key() string         { return KeyCitation }
func (a *CitationAgent) DisplayName() string { return "Citation Validation" }

func (a *CitationAgent) Actions() []string {
	return []string{"validate", "check_retractions", "grade_evidence"}
}

// Execute grades the identifiers in params (or every saved finding when none
// are given) and writes the quality columns back to the store.
func (a *CitationAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	a.log(req.SessionID, audit.ActionQueryReceived, map[string]any{"action": req.Action})

	rows, err := a.loadRows(ctx)
	if err != nil {
		return nil, err
	}
	byIdent := make(map[string]store.FindingRow, len(rows))
	for _, row := range rows {
		byIdent[strings.ToLower(row.Identifier)] = row
	}

	idents := identifierInputs(req.Params)
	if len(idents) == 0 {
		for _, row := range rows {
			idents = append(idents, row.Identifier)
		}
	}
	if len(idents) == 0 {
		// Nothing to grade is an honest refusal, not a validation failure.
		resp := &agent.Response{
			Verdict: agent.VerdictRefused,
			Reply:   agent.RefusalReply{Content: "There are no saved findings to validate yet. Save findings from a search first."},
			Output:  map[string]any{},
		}
		a.log(req.SessionID, audit.ActionResponseGenerated, map[string]any{"validation_passed": true, "refused": true})
		return resp, nil
	}

	resp := &agent.Response{Verdict: agent.VerdictGrounded, Output: make(map[string]any)}
	var (
		reports   []CitationReport
		validated []tools.Finding
		retracted int
	)
	for _, ident := range idents {
		row, known := byIdent[strings.ToLower(ident)]
		report := CitationReport{Identifier: ident, Known: known}
		if known {
			report.IdentifierKind = row.IdentifierKind
			report.Title = row.Title
			report.EvidenceLevel, report.LevelRationale = GradeEvidenceLevel(row.Title, row.Abstract, row.Kind)
			report.Currency, report.AgeYears = a.classifyCurrency(row.Date)
			if row.IdentifierKind == string(tools.IdentPMID) {
				report.Retracted = a.checkRetraction(ctx, req.SessionID, ident, resp)
			}
			report.QualityScore = compositeScore(report.EvidenceLevel, report.Currency, report.Retracted)
			if st := a.activeStore(); st != nil {
				if err := st.UpdateFindingQuality(ctx, row.ID, report.EvidenceLevel, report.Retracted, report.Currency, report.QualityScore); err != nil {
					return nil, fmt.Errorf("failed to persist quality grades: %w", err)
				}
			}
		} else {
			report.Currency = CurrencyUnknown
		}

		a.log(req.SessionID, audit.ActionValidationCheck, map[string]any{
			"identifier":     report.Identifier,
			"known":          report.Known,
			"evidence_level": report.EvidenceLevel,
			"retracted":      report.Retracted,
			"currency":       report.Currency,
			"quality_score":  report.QualityScore,
		})

		reports = append(reports, report)
		if report.Retracted {
			retracted++
			continue
		}
		if known {
			validated = append(validated, tools.Finding{
				AgentSource:     row.AgentSource,
				Kind:            tools.FindingKind(row.Kind),
				IdentifierKind:  tools.IdentifierKind(row.IdentifierKind),
				Identifier:      row.Identifier,
				Title:           row.Title,
				Authors:         row.Authors,
				JournalOrSource: row.JournalOrSource,
				Date:            row.Date,
				Abstract:        row.Abstract,
			})
		}
	}

	rate := float64(retracted) / float64(len(idents))
	resp.Output["reports"] = reports
	resp.Output["validated_articles"] = validated
	resp.Output["retraction_rate"] = rate
	resp.Output["text"] = summarizeReports(reports, rate)
	resp.Reply = agent.OkReply{Content: resp.Output["text"].(string)}

	a.log(req.SessionID, audit.ActionResponseGenerated, map[string]any{
		"validation_passed": true,
		"graded":            len(reports),
		"retracted":         retracted,
	})
	return resp, nil
}

func (a *CitationAgent) loadRows(ctx context.Context) ([]store.FindingRow, error) {
	st := a.activeStore()
	if st == nil {
		return nil, nil
	}
	rows, err := st.GetSavedFindings(ctx, store.FindingFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load saved findings: %w", err)
	}
	return rows, nil
}

func (a *CitationAgent) activeStore() *store.ProjectStore {
	if a.store == nil {
		return nil
	}
	return a.store()
}

func (a *CitationAgent) checkRetraction(ctx context.Context, sessionID, pmid string, resp *agent.Response) bool {
	if a.lookup == nil || a.runner == nil {
		return false
	}
	inv, err := a.runner.Invoke(ctx, a.lookup, "check_retraction", map[string]any{"pmid": pmid})
	if inv != nil {
		resp.ToolCalls = append(resp.ToolCalls, inv)
	}
	if err != nil {
		// Lookup failure is not evidence of retraction; grade proceeds.
		if a.logger != nil {
			a.logger.Warnf("retraction lookup failed for PMID %s: %v", pmid, err)
		}
		a.log(sessionID, audit.ActionError, map[string]any{"pmid": pmid, "error": err.Error()})
		return false
	}
	retractedVal, _ := inv.Result.Data["retracted"].(bool)
	return retractedVal
}

func (a *CitationAgent) classifyCurrency(date string) (string, int) {
	year, ok := extractYear(date)
	if !ok {
		return CurrencyUnknown, 0
	}
	age := a.now().Year() - year
	switch {
	case age <= a.thresholds.CurrentMax:
		return CurrencyCurrent, age
	case age <= a.thresholds.AgingMax:
		return CurrencyAging, age
	default:
		return CurrencyOutdated, age
	}
}

func (a *CitationAgent) log(sessionID string, action audit.ActionType, payload map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(KeyCitation, sessionID, action, payload); err != nil && a.logger != nil {
		a.logger.Errorf("audit write failed: %v", err)
	}
}

func identifierInputs(params map[string]any) []string {
	var out []string
	switch v := params["identifiers"].(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// levelRules order matters: the first match wins, strongest designs first.
var levelRules = []struct {
	level     int
	rationale string
	keywords  []string
}{
	{1, "systematic review or meta-analysis", []string{"meta-analysis", "meta analysis", "systematic review"}},
	{2, "randomized controlled trial", []string{"randomized controlled", "randomised controlled", "randomized trial", "randomised trial"}},
	{3, "controlled trial without randomization", []string{"quasi-experimental", "quasi experimental", "non-randomized controlled", "nonrandomized controlled", "controlled before-after"}},
	{4, "case-control or cohort study", []string{"case-control", "case control", "cohort study", "prospective cohort", "retrospective cohort"}},
	{5, "review of descriptive or qualitative studies", []string{"scoping review", "integrative review", "narrative review"}},
	{6, "single descriptive or qualitative study", []string{"qualitative", "cross-sectional", "descriptive study", "survey", "pilot study", "case series"}},
}

// GradeEvidenceLevel maps study-design keywords in the title and abstract to
// the 7-level evidence hierarchy. Unmatched records grade as level 7 expert
// opinion.
func GradeEvidenceLevel(title, abstract, kind string) (int, string) {
	text := strings.ToLower(title + " " + abstract)
	for _, rule := range levelRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.level, rule.rationale
			}
		}
	}
	if kind == string(tools.KindTrial) {
		return 2, "registered interventional trial"
	}
	if kind == string(tools.KindGuideline) {
		return 7, "guideline or consensus statement"
	}
	return 7, "expert opinion or unclassified design"
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

func extractYear(date string) (int, bool) {
	m := yearPattern.FindString(date)
	if m == "" {
		return 0, false
	}
	year, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return year, true
}

// compositeScore blends hierarchy level and currency into [0,1]. Retracted
// evidence scores zero unconditionally.
func compositeScore(level int, currency string, retracted bool) float64 {
	if retracted {
		return 0
	}
	levelWeight := float64(8-level) / 7.0
	var currencyWeight float64
	switch currency {
	case CurrencyCurrent:
		currencyWeight = 1.0
	case CurrencyAging:
		currencyWeight = 0.6
	case CurrencyOutdated:
		currencyWeight = 0.3
	default:
		currencyWeight = 0.5
	}
	score := 0.6*levelWeight + 0.4*currencyWeight
	return float64(int(score*100+0.5)) / 100
}

func summarizeReports(reports []CitationReport, retractionRate float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Validated %d citation(s).\n", len(reports))
	for _, r := range reports {
		if !r.Known {
			fmt.Fprintf(&b, "- %s: not found among saved findings; grade withheld.\n", r.Identifier)
			continue
		}
		status := "active"
		if r.Retracted {
			status = "RETRACTED"
		}
		fmt.Fprintf(&b, "- %s (%s): level %d (%s), %s, %s, quality %.2f.\n",
			r.Identifier, r.IdentifierKind, r.EvidenceLevel, r.LevelRationale, r.Currency, status, r.QualityScore)
	}
	fmt.Fprintf(&b, "Retraction rate: %.0f%%.", retractionRate*100)
	return b.String()
}
