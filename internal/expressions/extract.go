package expressions

import (
	"encoding/json"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// ExtractOutputs applies a step's output accessor paths to the raw operation
// response. Extraction failures do not fail the step: the affected output is
// simply never published, and the returned errors record exactly which paths
// missed and why. Consumers of an unpublished output fail later at their own
// resolution time.
func ExtractOutputs(step *schema.Step, response json.RawMessage) (map[string]any, []*schema.Error) {
	if len(step.Outputs) == 0 {
		return nil, nil
	}

	var root any
	if len(response) > 0 {
		if err := json.Unmarshal(response, &root); err != nil {
			errs := make([]*schema.Error, 0, len(step.Outputs))
			for _, name := range sortedInputNames(step.Outputs) {
				errs = append(errs, missingOutput(step.ID, name, step.Outputs[name],
					"response is not valid JSON: "+err.Error()))
			}
			return nil, errs
		}
	}

	outputs := make(map[string]any, len(step.Outputs))
	var errs []*schema.Error
	for _, name := range sortedInputNames(step.Outputs) {
		val, err := EvalPath(root, step.Outputs[name])
		if err != nil {
			errs = append(errs, missingOutput(step.ID, name, step.Outputs[name], err.Error()))
			continue
		}
		outputs[name] = val
	}
	return outputs, errs
}

func missingOutput(stepID, name, path, reason string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeMissingOutput,
		"output %q (path %q) could not be extracted: %s", name, path, reason).
		WithStep(stepID).
		WithDetails(map[string]any{"output": name, "path": path})
}
