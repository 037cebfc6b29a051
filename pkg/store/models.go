package store

import (
	"encoding/json"
	"time"
)

// Milestone status constants.
const (
	MilestoneNotStarted = "not_started"
	MilestoneInProgress = "in_progress"
	MilestoneComplete   = "complete"
	MilestoneBlocked    = "blocked"
)

// Workflow run/step status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"

	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped_due_to_dependency"
)

// SaveOutcome reports whether SaveFinding inserted a new row or collapsed
// into an existing one.
type SaveOutcome string

const (
	OutcomeInserted  SaveOutcome = "inserted"
	OutcomeDuplicate SaveOutcome = "duplicate"
)

// FindingRow is a persisted literature finding.
type FindingRow struct {
	ID              int64           `json:"id" db:"id"`
	AgentSource     string          `json:"agent_source" db:"agent_source"`
	Kind            string          `json:"kind" db:"kind"`
	IdentifierKind  string          `json:"identifier_kind" db:"identifier_kind"`
	Identifier      string          `json:"identifier" db:"identifier"`
	Title           string          `json:"title" db:"title"`
	Authors         string          `json:"authors" db:"authors"`
	JournalOrSource string          `json:"journal_or_source" db:"journal_or_source"`
	Date            string          `json:"date" db:"date"`
	Abstract        string          `json:"abstract" db:"abstract"`
	RawJSON         json.RawMessage `json:"raw_json" db:"raw_json"`
	Selected        bool            `json:"selected" db:"selected"`
	SelectionNotes  string          `json:"selection_notes" db:"selection_notes"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// FindingFilter narrows GetSavedFindings.
type FindingFilter struct {
	AgentSource    string
	IdentifierKind string
	SelectedOnly   bool
	Limit          int
}

// Milestone is a project timeline entry. The timeline agent is the only
// writer; everything else reads.
type Milestone struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	DueDate      string    `json:"due_date" db:"due_date"` // ISO date
	Status       string    `json:"status" db:"status"`
	Deliverables []string  `json:"deliverables" db:"deliverables"`
	Notes        string    `json:"notes" db:"notes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ConversationRow is one persisted conversation message.
type ConversationRow struct {
	ID        int64     `json:"id" db:"id"`
	TurnIndex int       `json:"turn_index" db:"turn_index"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	Metadata  string    `json:"metadata" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WorkflowRun is a persisted execution record of one plan or workflow.
type WorkflowRun struct {
	ID             string     `json:"id" db:"id"`
	WorkflowName   string     `json:"workflow_name" db:"workflow_name"`
	Status         string     `json:"status" db:"status"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at" db:"finished_at"`
	TotalSteps     int        `json:"total_steps" db:"total_steps"`
	StepsCompleted int        `json:"steps_completed" db:"steps_completed"`
	Error          string     `json:"error" db:"error"`
}

// WorkflowStep is one step of a run.
type WorkflowStep struct {
	ID            int64      `json:"id" db:"id"`
	RunID         string     `json:"run_id" db:"run_id"`
	StepIndex     int        `json:"step_index" db:"step_index"`
	AgentKey      string     `json:"agent_key" db:"agent_key"`
	Status        string     `json:"status" db:"status"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	InputSummary  string     `json:"input_summary" db:"input_summary"`
	OutputSummary string     `json:"output_summary" db:"output_summary"`
	ErrorContext  string     `json:"error_context" db:"error_context"`
}

// WorkflowOutput is one captured artifact of a run step.
type WorkflowOutput struct {
	ID        int64     `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	AgentKey  string    `json:"agent_key" db:"agent_key"`
	Output    string    `json:"output" db:"output"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PicotVersion is one saved revision of the PICOT question.
type PicotVersion struct {
	ID        int64     `json:"id" db:"id"`
	Version   int       `json:"version" db:"version"`
	Question  string    `json:"question" db:"question"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WritingDraft is one persisted synthesis or review draft.
type WritingDraft struct {
	ID        int64     `json:"id" db:"id"`
	Section   string    `json:"section" db:"section"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
