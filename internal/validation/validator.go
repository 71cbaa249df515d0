package validation

import (
	"sync"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// Validator checks workflow documents for correctness before execution.
// Implementations aggregate every violation rather than stopping at the first.
type Validator interface {
	Validate(doc *schema.WorkflowDocument) *schema.ValidationResult
	ValidateDocument(doc *schema.WorkflowDocument) error
}

var defaultValidator = sync.OnceValues(func() (*DocumentValidator, error) {
	return NewDocumentValidator()
})

// ValidateDocument validates doc with a shared default validator.
func ValidateDocument(doc *schema.WorkflowDocument) error {
	v, err := defaultValidator()
	if err != nil {
		return err
	}
	return v.ValidateDocument(doc)
}
