package schema

// Event type constants for the append-only run log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventOutputMissing = "output_missing"

	EventRollbackStarted           = "rollback_started"
	EventRollbackActionCompensated = "rollback_action_compensated"
	EventRollbackActionSkipped     = "rollback_action_skipped"
	EventRollbackActionFailed      = "rollback_action_failed"
	EventRollbackCompleted         = "rollback_completed"

	EventScheduleTriggered = "schedule_triggered"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusRunning    StepStatus = "running"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusRolledBack StepStatus = "rolled_back"
)

// RollbackStatus is the outcome of one compensating action attempt.
type RollbackStatus string

const (
	RollbackCompensated RollbackStatus = "compensated"
	RollbackSkipped     RollbackStatus = "skipped"
	RollbackFailed      RollbackStatus = "failed"
)
