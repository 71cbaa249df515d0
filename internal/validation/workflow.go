package validation

import (
	"github.com/runbooklabs/runbook/internal/expressions"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// DocumentValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, references, input contracts, expressions, rollback plans)
// 3. Graph (cycles, dead rollback actions)
type DocumentValidator struct {
	jsonSchema *SchemaValidator
	engines    *expressions.Set
}

// NewDocumentValidator creates a DocumentValidator with its own engine set.
func NewDocumentValidator() (*DocumentValidator, error) {
	engines, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}
	return NewDocumentValidatorWith(engines)
}

// NewDocumentValidatorWith reuses an existing engine set, so expressions
// compiled during validation stay cached for execution.
func NewDocumentValidatorWith(engines *expressions.Set) (*DocumentValidator, error) {
	jsv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{jsonSchema: jsv, engines: engines}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the later stages assume a well-formed
// document. Semantic and graph findings are combined in one pass, so an
// author sees reference problems and cycles together.
func (dv *DocumentValidator) Validate(doc *schema.WorkflowDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueSchema, "workflow document is nil")
		return r
	}

	result := validateStructural(dv.jsonSchema, doc)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(doc, dv.engines))
	result.Merge(validateGraph(doc))
	return result
}

// ValidateBytes validates raw document JSON and returns the parsed document
// when the pipeline passes. Structural validation runs on the raw bytes, so
// unknown keys are caught before the decoder drops them.
func (dv *DocumentValidator) ValidateBytes(data []byte) (*schema.WorkflowDocument, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	if err := dv.jsonSchema.ValidateRaw(data); err != nil {
		mergeStructural(result, err)
		return nil, result
	}

	doc, err := schema.ParseDocument(data)
	if err != nil {
		result.AddError("/", schema.IssueSchema, schema.AsError(err, schema.ErrCodeValidation).Message)
		return nil, result
	}

	result.Merge(validateSemantic(doc, dv.engines))
	result.Merge(validateGraph(doc))
	return doc, result
}

// ValidateDocument runs Validate and folds the result into an error.
func (dv *DocumentValidator) ValidateDocument(doc *schema.WorkflowDocument) error {
	return dv.Validate(doc).ToError()
}

// validateStructural wraps SchemaValidator.ValidateDocument, converting its
// error output into ValidationResult issues.
func validateStructural(v *SchemaValidator, doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.ValidateDocument(doc); err != nil {
		mergeStructural(result, err)
	}
	return result
}

// mergeStructural converts a structural error into per-violation issues.
func mergeStructural(result *schema.ValidationResult, err error) {
	opErr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.IssueSchema, err.Error())
		return
	}

	if opErr.Details != nil {
		if violations, ok := opErr.Details["violations"].([]string); ok {
			for _, violation := range violations {
				result.AddError("/", schema.IssueSchema, violation)
			}
			return
		}
	}
	result.AddError("/", schema.IssueSchema, opErr.Message)
}

var _ Validator = (*DocumentValidator)(nil)
