package schema

import (
	"encoding/json"
	"time"
)

// RunResult is what a run returns to the caller: on success the full final
// context (every "<stepId>.<outputName>" entry) plus per-step status; on
// failure the triggering step, its error, and every compensating action
// attempted with its outcome.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Document    string                 `json:"document"`
	Status      RunStatus              `json:"status"`
	Order       []string               `json:"order"`
	Context     map[string]any         `json:"context,omitempty"`
	Steps       map[string]*StepResult `json:"steps"`
	Error       *Error                 `json:"error,omitempty"`
	FailedStep  string                 `json:"failed_step,omitempty"`
	Rollback    []RollbackOutcome      `json:"rollback,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Output returns one extracted value from the final context.
func (r *RunResult) Output(stepID, name string) (any, bool) {
	v, ok := r.Context[stepID+"."+name]
	return v, ok
}

// StepResult captures the execution outcome of a single step.
type StepResult struct {
	StepID      string          `json:"step_id"`
	Status      StepStatus      `json:"status"`
	Outputs     map[string]any  `json:"outputs,omitempty"`
	OutputErrors []*Error       `json:"output_errors,omitempty"` // MISSING_OUTPUT per absent extraction path
	Response    json.RawMessage `json:"response,omitempty"`      // raw payload, kept for audit
	Error       *Error          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// RollbackOutcome records one compensating action attempt during rollback.
type RollbackOutcome struct {
	StepID string         `json:"step_id"` // forward step being undone
	Target string         `json:"target"`  // descriptor target of the compensating operation
	Status RollbackStatus `json:"status"`
	Error  *Error         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}
