package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with document location.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates every issue found by the validation pipeline,
// not just the first, so an author can fix a document in one pass.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddErrorf appends an error-severity issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddWarningf appends a warning-severity issue with a formatted message.
func (r *ValidationResult) AddWarningf(path, code, format string, args ...any) {
	r.AddWarning(path, code, fmt.Sprintf(format, args...))
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error issue carries the given code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// ToError converts the result to an Error if invalid, nil if valid.
// Cycle errors surface as CYCLE_DETECTED so callers can tell the two
// pre-execution failure modes apart.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeValidation
	if r.HasCode(IssueCycle) {
		code = ErrCodeCycleDetected
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// Issue codes used by the validation pipeline.
const (
	IssueSchema           = "schema"
	IssueDuplicateID      = "duplicate_id"
	IssueBadID            = "bad_id"
	IssueUnknownStep      = "unknown_step"
	IssueUnknownOutput    = "unknown_output"
	IssueSelfReference    = "self_reference"
	IssueInputContract    = "input_contract"
	IssueStepShape        = "step_shape"
	IssueMissingOperation = "missing_operation"
	IssueBadTransform     = "bad_transform"
	IssueBadCondition     = "bad_condition"
	IssueBadPath          = "bad_path"
	IssueBadPlaceholder   = "bad_placeholder"
	IssueCycle            = "cycle"
	IssueDeadAction       = "dead_action"
	IssueUnusedTransform  = "unused_transform"
)
