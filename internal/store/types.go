package store

import (
	"encoding/json"
	"time"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// DocumentRecord is a registered workflow document version. Registration is
// append-only: re-registering a name creates the next version, and lookups
// without a version resolve to the latest.
type DocumentRecord struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Raw       json.RawMessage `json:"raw"`
	CreatedAt time.Time       `json:"created_at"`
}

// Run is the persisted record of one workflow execution.
type Run struct {
	ID           string           `json:"id"`
	DocumentName string           `json:"document_name,omitempty"`
	Status       schema.RunStatus `json:"status"`
	Order        []string         `json:"order,omitempty"`
	Context      json.RawMessage  `json:"context,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	FailedStep   string           `json:"failed_step,omitempty"`
	Rollback     json.RawMessage  `json:"rollback,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// StepState is the materialized view of a step's current state within a run.
type StepState struct {
	RunID        string            `json:"run_id"`
	StepID       string            `json:"step_id"`
	Status       schema.StepStatus `json:"status"`
	Outputs      json.RawMessage   `json:"outputs,omitempty"`
	OutputErrors json.RawMessage   `json:"output_errors,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in a run's append-only audit log. Sequence is
// monotonically increasing per run with no gaps.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Schedule is a cron-triggered execution of a registered document.
type Schedule struct {
	ID           string     `json:"id"`
	DocumentName string     `json:"document_name"`
	CronExpr     string     `json:"cron_expression"`
	Enabled      bool       `json:"enabled"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunID    string     `json:"last_run_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	DocumentName string            `json:"document_name,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Order       []string          `json:"order,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	FailedStep  *string           `json:"failed_step,omitempty"`
	Rollback    json.RawMessage   `json:"rollback,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunID *string    `json:"last_run_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
