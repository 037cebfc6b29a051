package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"qi-agent/core/pkg/tools"
)

// StoreError wraps database IO failures so the executor can classify them.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is a database failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// ProjectStore is the embedded per-project relational store. One writer at a
// time per project file; WAL mode lets readers proceed during writes.
type ProjectStore struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the project database at dbPath and applies pending
// migrations.
func Open(dbPath string) (*ProjectStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, &StoreError{Op: "create project directory", Err: err}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, &StoreError{Op: "open database", Err: err}
	}
	// Single writer per project file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &StoreError{Op: pragma, Err: err}
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "ping database", Err: err}
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "run migrations", Err: err}
	}
	return &ProjectStore{db: db, path: dbPath}, nil
}

// Close releases the database handle.
func (s *ProjectStore) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *ProjectStore) Path() string { return s.path }

// SaveFinding inserts a normalized finding. Duplicate identifiers within
// (agent_source, identifier_kind) collapse to the earliest stored row and
// report OutcomeDuplicate.
func (s *ProjectStore) SaveFinding(ctx context.Context, f tools.Finding) (SaveOutcome, error) {
	raw := f.RawJSON
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO literature_findings
			(agent_source, kind, identifier_kind, identifier, title, authors, journal_or_source, date, abstract, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.AgentSource, string(f.Kind), string(f.IdentifierKind), f.Identifier,
		f.Title, f.Authors, f.JournalOrSource, f.Date, f.Abstract, string(raw),
	)
	if err != nil {
		return "", &StoreError{Op: "save finding", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", &StoreError{Op: "save finding rows affected", Err: err}
	}
	if affected == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeInserted, nil
}

// GetSavedFindings returns findings matching the filter, newest first.
func (s *ProjectStore) GetSavedFindings(ctx context.Context, filter FindingFilter) ([]FindingRow, error) {
	query := `SELECT id, agent_source, kind, identifier_kind, identifier, title, authors,
		journal_or_source, date, abstract, raw_json, selected, selection_notes, created_at
		FROM literature_findings`
	var conds []string
	var args []any
	if filter.AgentSource != "" {
		conds = append(conds, "agent_source = ?")
		args = append(args, filter.AgentSource)
	}
	if filter.IdentifierKind != "" {
		conds = append(conds, "identifier_kind = ?")
		args = append(args, filter.IdentifierKind)
	}
	if filter.SelectedOnly {
		conds = append(conds, "selected = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "get findings", Err: err}
	}
	defer rows.Close()

	var out []FindingRow
	for rows.Next() {
		var row FindingRow
		var raw string
		if err := rows.Scan(&row.ID, &row.AgentSource, &row.Kind, &row.IdentifierKind, &row.Identifier,
			&row.Title, &row.Authors, &row.JournalOrSource, &row.Date, &row.Abstract, &raw,
			&row.Selected, &row.SelectionNotes, &row.CreatedAt); err != nil {
			return nil, &StoreError{Op: "scan finding", Err: err}
		}
		row.RawJSON = json.RawMessage(raw)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "iterate findings", Err: err}
	}
	return out, nil
}

// MarkFindingSelected flags a finding for later workflows.
func (s *ProjectStore) MarkFindingSelected(ctx context.Context, id int64, selected bool, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE literature_findings SET selected = ?, selection_notes = ? WHERE id = ?`,
		selected, notes, id)
	if err != nil {
		return &StoreError{Op: "mark finding selected", Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &StoreError{Op: "mark finding selected", Err: fmt.Errorf("finding %d not found", id)}
	}
	return nil
}

// UpdateFindingQuality records the citation-validation grade for a finding.
func (s *ProjectStore) UpdateFindingQuality(ctx context.Context, id int64, evidenceLevel int, retracted bool, currency string, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE literature_findings SET evidence_level = ?, retracted = ?, currency = ?, quality_score = ? WHERE id = ?`,
		evidenceLevel, retracted, currency, score, id)
	if err != nil {
		return &StoreError{Op: "update finding quality", Err: err}
	}
	return nil
}

// InsertMilestone adds a timeline entry.
func (s *ProjectStore) InsertMilestone(ctx context.Context, m Milestone) (int64, error) {
	deliverables, err := json.Marshal(m.Deliverables)
	if err != nil {
		return 0, &StoreError{Op: "encode deliverables", Err: err}
	}
	status := m.Status
	if status == "" {
		status = MilestoneNotStarted
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (name, due_date, status, deliverables, notes) VALUES (?, ?, ?, ?, ?)`,
		m.Name, m.DueDate, status, string(deliverables), m.Notes)
	if err != nil {
		return 0, &StoreError{Op: "insert milestone", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "insert milestone id", Err: err}
	}
	return id, nil
}

// ListMilestones returns every milestone ordered by due date.
func (s *ProjectStore) ListMilestones(ctx context.Context) ([]Milestone, error) {
	return s.queryMilestones(ctx, `SELECT id, name, due_date, status, deliverables, notes, created_at
		FROM milestones ORDER BY due_date ASC`)
}

// NextMilestone returns the earliest milestone due on or after today that is
// not complete, or nil when none remain.
func (s *ProjectStore) NextMilestone(ctx context.Context, today string) (*Milestone, error) {
	list, err := s.queryMilestones(ctx, `SELECT id, name, due_date, status, deliverables, notes, created_at
		FROM milestones WHERE due_date >= ? AND status != ? ORDER BY due_date ASC LIMIT 1`,
		today, MilestoneComplete)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListMilestonesBetween returns milestones with due dates in [start, end].
func (s *ProjectStore) ListMilestonesBetween(ctx context.Context, start, end string) ([]Milestone, error) {
	return s.queryMilestones(ctx, `SELECT id, name, due_date, status, deliverables, notes, created_at
		FROM milestones WHERE due_date >= ? AND due_date <= ? ORDER BY due_date ASC`, start, end)
}

// UpdateMilestoneStatus transitions a milestone.
func (s *ProjectStore) UpdateMilestoneStatus(ctx context.Context, id int64, status string) error {
	switch status {
	case MilestoneNotStarted, MilestoneInProgress, MilestoneComplete, MilestoneBlocked:
	default:
		return &StoreError{Op: "update milestone status", Err: fmt.Errorf("invalid status %q", status)}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE milestones SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return &StoreError{Op: "update milestone status", Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &StoreError{Op: "update milestone status", Err: fmt.Errorf("milestone %d not found", id)}
	}
	return nil
}

func (s *ProjectStore) queryMilestones(ctx context.Context, query string, args ...any) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "query milestones", Err: err}
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var m Milestone
		var deliverables string
		if err := rows.Scan(&m.ID, &m.Name, &m.DueDate, &m.Status, &deliverables, &m.Notes, &m.CreatedAt); err != nil {
			return nil, &StoreError{Op: "scan milestone", Err: err}
		}
		if err := json.Unmarshal([]byte(deliverables), &m.Deliverables); err != nil {
			m.Deliverables = nil
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "iterate milestones", Err: err}
	}
	return out, nil
}

// AppendConversation persists flushed context messages in one transaction.
func (s *ProjectStore) AppendConversation(ctx context.Context, msgs []ConversationRow) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin conversation append", Err: err}
	}
	for _, m := range msgs {
		metadata := m.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (turn_index, role, content, metadata) VALUES (?, ?, ?, ?)`,
			m.TurnIndex, m.Role, m.Content, metadata); err != nil {
			_ = tx.Rollback()
			return &StoreError{Op: "append conversation", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit conversation append", Err: err}
	}
	return nil
}

// LoadRecentConversation returns the last n turns in chronological order.
func (s *ProjectStore) LoadRecentConversation(ctx context.Context, n int) ([]ConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_index, role, content, metadata, created_at FROM (
			SELECT id, turn_index, role, content, metadata, created_at
			FROM conversations ORDER BY turn_index DESC, id DESC LIMIT ?
		) ORDER BY turn_index ASC, id ASC`, n)
	if err != nil {
		return nil, &StoreError{Op: "load conversation", Err: err}
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var m ConversationRow
		if err := rows.Scan(&m.ID, &m.TurnIndex, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, &StoreError{Op: "scan conversation", Err: err}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "iterate conversation", Err: err}
	}
	return out, nil
}

// InsertWorkflowRun records a new run in status running.
func (s *ProjectStore) InsertWorkflowRun(ctx context.Context, run WorkflowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_name, status, started_at, total_steps) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.Status, run.StartedAt, run.TotalSteps)
	if err != nil {
		return &StoreError{Op: "insert workflow run", Err: err}
	}
	return nil
}

// UpdateWorkflowRunStatus finalizes or advances a run.
func (s *ProjectStore) UpdateWorkflowRunStatus(ctx context.Context, id, status string, stepsCompleted int, errMsg string) error {
	now := time.Now().UTC()
	var finished *time.Time
	if status != RunStatusRunning {
		finished = &now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, steps_completed = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, stepsCompleted, errMsg, finished, id)
	if err != nil {
		return &StoreError{Op: "update workflow run", Err: err}
	}
	return nil
}

// GetWorkflowRun fetches a run record.
func (s *ProjectStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var run WorkflowRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, status, started_at, finished_at, total_steps, steps_completed, error
		FROM workflow_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.WorkflowName, &run.Status, &run.StartedAt, &run.FinishedAt,
			&run.TotalSteps, &run.StepsCompleted, &run.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get workflow run", Err: fmt.Errorf("run %s not found", id)}
		}
		return nil, &StoreError{Op: "get workflow run", Err: err}
	}
	return &run, nil
}

// InsertWorkflowStep records a step start and returns its row id.
func (s *ProjectStore) InsertWorkflowStep(ctx context.Context, step WorkflowStep) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (run_id, step_index, agent_key, status, started_at, input_summary)
		VALUES (?, ?, ?, ?, ?, ?)`,
		step.RunID, step.StepIndex, step.AgentKey, step.Status, step.StartedAt, step.InputSummary)
	if err != nil {
		return 0, &StoreError{Op: "insert workflow step", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "insert workflow step id", Err: err}
	}
	return id, nil
}

// UpdateWorkflowStepStatus finalizes a step.
func (s *ProjectStore) UpdateWorkflowStepStatus(ctx context.Context, id int64, status, outputSummary, errorContext string, duration time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = ?, output_summary = ?, error_context = ?, duration_ms = ?, finished_at = ? WHERE id = ?`,
		status, outputSummary, errorContext, duration.Milliseconds(), now, id)
	if err != nil {
		return &StoreError{Op: "update workflow step", Err: err}
	}
	return nil
}

// ListWorkflowSteps returns the steps of a run in execution order.
func (s *ProjectStore) ListWorkflowSteps(ctx context.Context, runID string) ([]WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_index, agent_key, status, started_at, finished_at, duration_ms, input_summary, output_summary, error_context
		FROM workflow_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, &StoreError{Op: "list workflow steps", Err: err}
	}
	defer rows.Close()

	var out []WorkflowStep
	for rows.Next() {
		var st WorkflowStep
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepIndex, &st.AgentKey, &st.Status, &st.StartedAt,
			&st.FinishedAt, &st.DurationMS, &st.InputSummary, &st.OutputSummary, &st.ErrorContext); err != nil {
			return nil, &StoreError{Op: "scan workflow step", Err: err}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "iterate workflow steps", Err: err}
	}
	return out, nil
}

// InsertWorkflowOutput captures one step artifact.
func (s *ProjectStore) InsertWorkflowOutput(ctx context.Context, out WorkflowOutput) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_outputs (run_id, task_id, agent_key, output) VALUES (?, ?, ?, ?)`,
		out.RunID, out.TaskID, out.AgentKey, out.Output)
	if err != nil {
		return &StoreError{Op: "insert workflow output", Err: err}
	}
	return nil
}

// InsertPicotVersion appends a new PICOT revision, auto-incrementing the
// version number.
func (s *ProjectStore) InsertPicotVersion(ctx context.Context, question string) (int, error) {
	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM picot_versions`).Scan(&current); err != nil {
		return 0, &StoreError{Op: "read picot version", Err: err}
	}
	next := int(current.Int64) + 1
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO picot_versions (version, question) VALUES (?, ?)`, next, question); err != nil {
		return 0, &StoreError{Op: "insert picot version", Err: err}
	}
	return next, nil
}

// LatestPicot returns the newest PICOT revision, or nil when none exists.
func (s *ProjectStore) LatestPicot(ctx context.Context) (*PicotVersion, error) {
	var pv PicotVersion
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, question, created_at FROM picot_versions ORDER BY version DESC LIMIT 1`).
		Scan(&pv.ID, &pv.Version, &pv.Question, &pv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "latest picot", Err: err}
	}
	return &pv, nil
}

// InsertWritingDraft persists one synthesis draft.
func (s *ProjectStore) InsertWritingDraft(ctx context.Context, section, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO writing_drafts (section, content) VALUES (?, ?)`, section, content)
	if err != nil {
		return 0, &StoreError{Op: "insert writing draft", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "insert writing draft id", Err: err}
	}
	return id, nil
}
