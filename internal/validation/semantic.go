package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/runbooklabs/runbook/internal/expressions"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// validateSemantic performs semantic analysis on a structurally valid
// document: id rules, reference targets, input contracts, step shapes,
// expression compilation, placeholder bindings, rollback plan integrity.
// Every violation is collected; nothing short-circuits.
func validateSemantic(doc *schema.WorkflowDocument, engines *expressions.Set) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateStepIDs(doc, result)

	for i := range doc.Steps {
		path := fmt.Sprintf("workflow_steps[%d]", i)
		validateStep(doc, &doc.Steps[i], path, engines, result)
	}

	validateRollbackStrategy(doc, engines, result)
	validateTransformCatalog(doc, engines, result)

	return result
}

func validateStepIDs(doc *schema.WorkflowDocument, result *schema.ValidationResult) {
	seen := make(map[string]int, len(doc.Steps))
	for i := range doc.Steps {
		id := doc.Steps[i].ID
		path := fmt.Sprintf("workflow_steps[%d].id", i)

		if !schema.IsValidID(id) {
			result.AddErrorf(path, schema.IssueBadID,
				"step id %q must start with a letter and contain only letters, digits, '_' or '-' (dots are reference separators)", id)
		}
		if prev, dup := seen[id]; dup {
			result.AddErrorf(path, schema.IssueDuplicateID,
				"step id %q already declared at workflow_steps[%d]", id, prev)
			continue
		}
		seen[id] = i
	}
}

func validateStep(doc *schema.WorkflowDocument, step *schema.Step, path string, engines *expressions.Set, result *schema.ValidationResult) {
	switch step.Kind() {
	case schema.StepTypeOperation:
		if step.Operation == nil {
			result.AddErrorf(path+".operation", schema.IssueMissingOperation,
				"step %q declares no operation", step.ID)
		}
		if step.Transform != "" {
			result.AddErrorf(path+".transform", schema.IssueStepShape,
				"transform program on operation step %q is never run", step.ID)
		}
	case schema.StepTypeTransform:
		if step.Operation != nil {
			result.AddErrorf(path+".operation", schema.IssueStepShape,
				"operation on transform step %q is never invoked", step.ID)
		}
		if step.Transform == "" {
			result.AddErrorf(path+".transform", schema.IssueBadTransform,
				"transform step %q needs an inline jq program or a data_transformations key", step.ID)
		} else if err := engines.JQ.Check(resolveTransform(doc, step.Transform)); err != nil {
			result.AddErrorf(path+".transform", schema.IssueBadTransform,
				"step %q: %s", step.ID, schema.AsError(err, schema.ErrCodeValidation).Message)
		}
	}

	validateInputContract(step, path, result)
	validateStepReferences(doc, step, path, result)
	validateOutputPaths(step, path, result)

	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddErrorf(depPath, schema.IssueSelfReference,
				"step %q depends on itself", step.ID)
		case doc.Step(dep) == nil:
			result.AddErrorf(depPath, schema.IssueUnknownStep,
				"references non-existent step %q", dep)
		}
	}

	if step.Operation != nil {
		validatePlaceholders(step.Operation, step.Inputs, path+".operation", result)
	}
}

// validateInputContract checks required_inputs/optional_inputs against the
// declared inputs map.
func validateInputContract(step *schema.Step, path string, result *schema.ValidationResult) {
	for j, name := range step.RequiredInputs {
		p := fmt.Sprintf("%s.required_inputs[%d]", path, j)
		if _, ok := step.Inputs[name]; !ok {
			result.AddErrorf(p, schema.IssueInputContract,
				"required input %q is not declared in inputs", name)
		}
		if step.IsOptional(name) {
			result.AddErrorf(p, schema.IssueInputContract,
				"input %q is declared both required and optional", name)
		}
	}
	for j, name := range step.OptionalInputs {
		if _, ok := step.Inputs[name]; !ok {
			result.AddErrorf(fmt.Sprintf("%s.optional_inputs[%d]", path, j),
				schema.IssueInputContract,
				"optional input %q is not declared in inputs", name)
		}
	}
}

// validateStepReferences checks every reference in the step's inputs: the
// target step exists, is not the step itself, and declares the named output.
func validateStepReferences(doc *schema.WorkflowDocument, step *schema.Step, path string, result *schema.ValidationResult) {
	for _, name := range sortedKeys(step.Inputs) {
		refPath := fmt.Sprintf("%s.inputs.%s", path, name)
		validateReferences(doc, step.ID, step.Inputs[name], refPath, result)
	}
}

// validateReferences checks one ValueSource's references. ownerID is the id of
// the step the value belongs to, or "" for rollback actions (which may
// reference any step).
func validateReferences(doc *schema.WorkflowDocument, ownerID string, vs schema.ValueSource, path string, result *schema.ValidationResult) {
	for _, ref := range vs.References() {
		if ownerID != "" && ref.StepID == ownerID {
			result.AddErrorf(path, schema.IssueSelfReference,
				"reference %s points at the step's own output", ref)
			continue
		}
		target := doc.Step(ref.StepID)
		if target == nil {
			result.AddErrorf(path, schema.IssueUnknownStep,
				"reference %s names unknown step %q", ref, ref.StepID)
			continue
		}
		if _, ok := target.Outputs[ref.Output]; !ok {
			result.AddErrorf(path, schema.IssueUnknownOutput,
				"reference %s names an output step %q never declares (declared: %s)",
				ref, ref.StepID, outputList(target))
		}
		if ref.Path != "" {
			if _, err := expressions.ParsePath(ref.Path); err != nil {
				result.AddErrorf(path, schema.IssueBadPath,
					"reference %s has a malformed accessor path: %v", ref, err)
			}
		}
	}
}

// validateOutputPaths checks that declared output names are referenceable and
// their extraction paths parse.
func validateOutputPaths(step *schema.Step, path string, result *schema.ValidationResult) {
	for _, name := range sortedKeys(step.Outputs) {
		p := fmt.Sprintf("%s.outputs.%s", path, name)
		if !schema.IsValidID(name) {
			result.AddErrorf(p, schema.IssueBadID,
				"output name %q cannot appear in reference tokens", name)
		}
		if _, err := expressions.ParsePath(step.Outputs[name]); err != nil {
			result.AddErrorf(p, schema.IssueBadPath,
				"extraction path %q does not parse: %v", step.Outputs[name], err)
		}
	}
}

// validatePlaceholders checks that every {placeholder} token in the target and
// payload has a matching declared input.
func validatePlaceholders(op *schema.OperationDescriptor, inputs map[string]schema.ValueSource, path string, result *schema.ValidationResult) {
	for _, name := range schema.FindPlaceholders(op.Target) {
		if _, ok := inputs[name]; !ok {
			result.AddErrorf(path+".target", schema.IssueBadPlaceholder,
				"placeholder {%s} has no matching input", name)
		}
	}
	for _, name := range schema.PayloadPlaceholders(op.Payload) {
		if _, ok := inputs[name]; !ok {
			result.AddErrorf(path+".payload", schema.IssueBadPlaceholder,
				"placeholder {%s} has no matching input", name)
		}
	}
}

func validateRollbackStrategy(doc *schema.WorkflowDocument, engines *expressions.Set, result *schema.ValidationResult) {
	for _, key := range sortedKeys(doc.RollbackStrategy) {
		planPath := "rollback_strategy." + key
		if doc.Step(key) == nil {
			result.AddErrorf(planPath, schema.IssueUnknownStep,
				"rollback plan is keyed by unknown step %q", key)
		}

		for ai, action := range doc.RollbackStrategy[key] {
			aPath := fmt.Sprintf("%s[%d]", planPath, ai)

			if action.TargetOperation == nil {
				result.AddErrorf(aPath+".target_operation", schema.IssueMissingOperation,
					"rollback action declares no operation")
			} else {
				validatePlaceholders(action.TargetOperation, action.Inputs, aPath+".target_operation", result)
			}

			if action.DependsOnStepID != "" && doc.Step(action.DependsOnStepID) == nil {
				result.AddErrorf(aPath+".depends_on_step_id", schema.IssueUnknownStep,
					"references non-existent step %q", action.DependsOnStepID)
			}

			if action.Condition != "" {
				if err := engines.Check(action.ConditionEngine(), action.Condition); err != nil {
					result.AddErrorf(aPath+".condition", schema.IssueBadCondition,
						"%s", schema.AsError(err, schema.ErrCodeValidation).Message)
				}
			}

			for _, name := range sortedKeys(action.Inputs) {
				validateReferences(doc, "", action.Inputs[name],
					fmt.Sprintf("%s.inputs.%s", aPath, name), result)
			}
		}
	}
}

func validateTransformCatalog(doc *schema.WorkflowDocument, engines *expressions.Set, result *schema.ValidationResult) {
	if len(doc.DataTransformations) == 0 {
		return
	}

	referenced := make(map[string]bool)
	for i := range doc.Steps {
		if doc.Steps[i].Kind() == schema.StepTypeTransform {
			referenced[doc.Steps[i].Transform] = true
		}
	}

	for _, key := range sortedKeys(doc.DataTransformations) {
		p := "data_transformations." + key
		if err := engines.JQ.Check(doc.DataTransformations[key]); err != nil {
			result.AddErrorf(p, schema.IssueBadTransform,
				"%s", schema.AsError(err, schema.ErrCodeValidation).Message)
		}
		if !referenced[key] {
			result.AddWarningf(p, schema.IssueUnusedTransform,
				"catalog entry %q is not referenced by any transform step", key)
		}
	}
}

// resolveTransform maps a transform field to its jq program: a catalog key
// when one matches, otherwise the field itself as an inline program.
func resolveTransform(doc *schema.WorkflowDocument, transform string) string {
	if program, ok := doc.DataTransformations[transform]; ok {
		return program
	}
	return transform
}

func outputList(step *schema.Step) string {
	if len(step.Outputs) == 0 {
		return "none"
	}
	return "[" + strings.Join(sortedKeys(step.Outputs), ", ") + "]"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
