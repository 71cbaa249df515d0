package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeResolution        = "RESOLUTION_FAILED"
	ErrCodeOperation         = "OPERATION_FAILED"
	ErrCodeMissingOutput     = "MISSING_OUTPUT"
	ErrCodeRollbackAction    = "ROLLBACK_ACTION_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTransform         = "TRANSFORM_FAILED"
	ErrCodeCondition         = "CONDITION_FAILED"
	ErrCodeUnknownProtocol   = "UNKNOWN_PROTOCOL"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// Error is the structured error type for all runbook operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsError unwraps err to a *Error, or wraps it under the given code.
func AsError(err error, code string) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return NewError(code, err.Error()).WithCause(err)
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code string) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// ExecutionError is the aggregate failure returned for a failed run: the
// originating step error plus the outcome of every compensating action that
// was attempted. Callers never see a partial state dressed up as success.
type ExecutionError struct {
	RunID      string            `json:"run_id"`
	FailedStep string            `json:"failed_step"`
	Cause      *Error            `json:"cause"`
	Rollback   []RollbackOutcome `json:"rollback,omitempty"`
}

func (e *ExecutionError) Error() string {
	attempted := len(e.Rollback)
	failed := 0
	for _, o := range e.Rollback {
		if o.Status == RollbackFailed {
			failed++
		}
	}
	if attempted == 0 {
		return fmt.Sprintf("run %s failed at step %s: %v", e.RunID, e.FailedStep, e.Cause)
	}
	return fmt.Sprintf("run %s failed at step %s: %v (rollback: %d attempted, %d failed)",
		e.RunID, e.FailedStep, e.Cause, attempted, failed)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// RollbackFailures returns the outcomes of compensating actions that failed.
func (e *ExecutionError) RollbackFailures() []RollbackOutcome {
	var out []RollbackOutcome
	for _, o := range e.Rollback {
		if o.Status == RollbackFailed {
			out = append(out, o)
		}
	}
	return out
}
