package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbooklabs/runbook/internal/expressions"
	"github.com/runbooklabs/runbook/pkg/schema"
)

func testEngines(t *testing.T) *expressions.Set {
	t.Helper()
	engines, err := expressions.NewSet()
	require.NoError(t, err)
	return engines
}

func opStep(id, target string) schema.Step {
	return schema.Step{
		ID:        id,
		Operation: &schema.OperationDescriptor{Target: target},
	}
}

// --- Step ids ---

func TestSemantic_BadStepID(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("create.zone", "/zones")},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].id", result.Errors[0].Path)
	assert.Equal(t, schema.IssueBadID, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "create.zone")
}

func TestSemantic_DuplicateStepID(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			opStep("dup", "/a"),
			opStep("dup", "/b"),
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[1].id", result.Errors[0].Path)
	assert.Equal(t, schema.IssueDuplicateID, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "workflow_steps[0]")
}

// --- Step shape ---

func TestSemantic_OperationStepValid(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/zones")},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

func TestSemantic_OperationStepMissingOperation(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{{ID: "s1"}},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].operation", result.Errors[0].Path)
	assert.Equal(t, schema.IssueMissingOperation, result.Errors[0].Code)
}

func TestSemantic_OperationStepWithTransform(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Transform: ".ids",
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueStepShape, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "never run")
}

func TestSemantic_TransformStepWithOperation(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Type:      schema.StepTypeTransform,
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Transform: ".ids",
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueStepShape, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "never invoked")
}

func TestSemantic_TransformStepMissingProgram(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepTypeTransform},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueBadTransform, result.Errors[0].Code)
}

func TestSemantic_TransformBadProgram(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepTypeTransform, Transform: ".[unclosed"},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].transform", result.Errors[0].Path)
	assert.Equal(t, schema.IssueBadTransform, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "jq parse error")
}

func TestSemantic_TransformCatalogKey(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepTypeTransform, Transform: "flatten_ids"},
		},
		DataTransformations: map[string]string{
			"flatten_ids": "[.ids[]]",
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings, "referenced catalog entry is not unused")
}

func TestSemantic_TransformCatalogKeyBadProgram(t *testing.T) {
	// A broken catalog program is reported twice: once for the entry,
	// once for the step that cannot run it.
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepTypeTransform, Transform: "flatten_ids"},
		},
		DataTransformations: map[string]string{
			"flatten_ids": ".[unclosed",
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 2)
	paths := []string{result.Errors[0].Path, result.Errors[1].Path}
	assert.Contains(t, paths, "workflow_steps[0].transform")
	assert.Contains(t, paths, "data_transformations.flatten_ids")
}

// --- Input contracts ---

func TestSemantic_RequiredInputNotDeclared(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:             "s1",
				Operation:      &schema.OperationDescriptor{Target: "/zones"},
				RequiredInputs: []string{"zone"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].required_inputs[0]", result.Errors[0].Path)
	assert.Equal(t, schema.IssueInputContract, result.Errors[0].Code)
}

func TestSemantic_RequiredAndOptionalOverlap(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"zone": schema.LiteralSource("latam"),
				},
				RequiredInputs: []string{"zone"},
				OptionalInputs: []string{"zone"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueInputContract, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "both required and optional")
}

func TestSemantic_OptionalInputNotDeclared(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:             "s1",
				Operation:      &schema.OperationDescriptor{Target: "/zones"},
				OptionalInputs: []string{"rate"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].optional_inputs[0]", result.Errors[0].Path)
	assert.Equal(t, schema.IssueInputContract, result.Errors[0].Code)
}

func TestSemantic_ContractSatisfied(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"zone": schema.LiteralSource("latam"),
					"rate": schema.LiteralSource(42),
				},
				RequiredInputs: []string{"zone"},
				OptionalInputs: []string{"rate"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

// --- Input references ---

func TestSemantic_ValidReference(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "discover",
				Operation: &schema.OperationDescriptor{Target: "/countries"},
				Outputs:   map[string]string{"ids": "data.ids"},
			},
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"countries": schema.ReferenceSource("discover", "ids"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

func TestSemantic_UnknownStepReference(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"countries": schema.ReferenceSource("ghost", "ids"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].inputs.countries", result.Errors[0].Path)
	assert.Equal(t, schema.IssueUnknownStep, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, `"ghost"`)
}

func TestSemantic_UnknownOutputReference(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "discover",
				Operation: &schema.OperationDescriptor{Target: "/countries"},
				Outputs:   map[string]string{"ids": "data.ids"},
			},
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"countries": schema.ReferenceSource("discover", "codes"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueUnknownOutput, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "declared: [ids]")
}

func TestSemantic_SelfReference(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"id": "data.id"},
				Inputs: map[string]schema.ValueSource{
					"me": schema.ReferenceSource("s1", "id"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueSelfReference, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "own output")
}

func TestSemantic_BadReferencePath(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "discover",
				Operation: &schema.OperationDescriptor{Target: "/countries"},
				Outputs:   map[string]string{"ids": "data.ids"},
			},
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"first": schema.ReferenceSource("discover", "ids", "zones[x]"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueBadPath, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "accessor path")
}

func TestSemantic_ReferenceInsideComposite(t *testing.T) {
	// References nested in composite literals are checked too.
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"payload": schema.RawSource(json.RawMessage(
						`{"zones": ["{ghost.ids}"], "name": "latam"}`)),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueUnknownStep, result.Errors[0].Code)
}

func TestSemantic_EmbeddedTokenInString(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "discover",
				Operation: &schema.OperationDescriptor{Target: "/countries"},
				Outputs:   map[string]string{"ids": "data.ids"},
			},
			{
				ID:        "notify",
				Operation: &schema.OperationDescriptor{Target: "/notify"},
				Inputs: map[string]schema.ValueSource{
					"message": schema.LiteralSource("zone {discover.missing} is ready"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueUnknownOutput, result.Errors[0].Code)
}

// --- Output declarations ---

func TestSemantic_BadOutputName(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"zone.id": "data.id"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].outputs.zone.id", result.Errors[0].Path)
	assert.Equal(t, schema.IssueBadID, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "reference tokens")
}

func TestSemantic_BadOutputPath(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"zone": "data..id"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueBadPath, result.Errors[0].Code)
}

// --- depends_on ---

func TestSemantic_DependsOnSelf(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				DependsOn: []string{"s1"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].depends_on[0]", result.Errors[0].Path)
	assert.Equal(t, schema.IssueSelfReference, result.Errors[0].Code)
}

func TestSemantic_DependsOnUnknown(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				DependsOn: []string{"ghost"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueUnknownStep, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "ghost")
}

// --- Placeholders ---

func TestSemantic_TargetPlaceholderUnbound(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "s1",
				Operation: &schema.OperationDescriptor{Target: "/zones/{zoneId}"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].operation.target", result.Errors[0].Path)
	assert.Equal(t, schema.IssueBadPlaceholder, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "{zoneId}")
}

func TestSemantic_PayloadPlaceholderUnbound(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID: "s1",
				Operation: &schema.OperationDescriptor{
					Target:  "/zones",
					Payload: json.RawMessage(`{"zone": {"name": "{name}"}}`),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflow_steps[0].operation.payload", result.Errors[0].Path)
	assert.Equal(t, schema.IssueBadPlaceholder, result.Errors[0].Code)
}

func TestSemantic_PlaceholderBound(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID: "s1",
				Operation: &schema.OperationDescriptor{
					Target:  "/zones/{zoneId}",
					Payload: json.RawMessage(`{"name": "{name}"}`),
				},
				Inputs: map[string]schema.ValueSource{
					"zoneId": schema.LiteralSource("Z-1"),
					"name":   schema.LiteralSource("latam"),
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

func TestSemantic_ReferenceTokenInTargetIsNotAPlaceholder(t *testing.T) {
	// Dotted bodies belong to the reference grammar; the placeholder
	// check must not demand an input named "create.zone_id".
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"zone_id": "data.id"},
			},
			{
				ID:        "publish",
				Operation: &schema.OperationDescriptor{Target: "/zones/{create.zone_id}/publish"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

// --- Rollback strategy ---

func TestSemantic_RollbackValid(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"zone_id": "data.id"},
			},
			{
				ID:        "publish",
				Operation: &schema.OperationDescriptor{Target: "/publish"},
				DependsOn: []string{"create"},
			},
		},
		RollbackStrategy: map[string][]schema.Action{
			"publish": {
				{
					TargetOperation: &schema.OperationDescriptor{
						Target: "/zones/{zoneId}",
						Method: "DELETE",
					},
					Condition:       `statuses.create == "completed"`,
					DependsOnStepID: "create",
					Inputs: map[string]schema.ValueSource{
						"zoneId": schema.ReferenceSource("create", "zone_id"),
					},
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

func TestSemantic_RollbackUnknownKey(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/a")},
		RollbackStrategy: map[string][]schema.Action{
			"ghost": {
				{
					TargetOperation: &schema.OperationDescriptor{Target: "/undo"},
					DependsOnStepID: "s1",
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rollback_strategy.ghost", result.Errors[0].Path)
	assert.Equal(t, schema.IssueUnknownStep, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "keyed by unknown step")
}

func TestSemantic_RollbackActionMissingOperation(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/a")},
		RollbackStrategy: map[string][]schema.Action{
			"s1": {
				{DependsOnStepID: "s1"},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rollback_strategy.s1[0].target_operation", result.Errors[0].Path)
	assert.Equal(t, schema.IssueMissingOperation, result.Errors[0].Code)
}

func TestSemantic_RollbackUnknownDependsOnStep(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/a")},
		RollbackStrategy: map[string][]schema.Action{
			"s1": {
				{
					TargetOperation: &schema.OperationDescriptor{Target: "/undo"},
					DependsOnStepID: "ghost",
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rollback_strategy.s1[0].depends_on_step_id", result.Errors[0].Path)
	assert.Equal(t, schema.IssueUnknownStep, result.Errors[0].Code)
}

func TestSemantic_RollbackBadCondition(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/a")},
		RollbackStrategy: map[string][]schema.Action{
			"s1": {
				{
					TargetOperation: &schema.OperationDescriptor{Target: "/undo"},
					Condition:       "statuses..[",
					DependsOnStepID: "s1",
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rollback_strategy.s1[0].condition", result.Errors[0].Path)
	assert.Equal(t, schema.IssueBadCondition, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "CEL compile error")
}

func TestSemantic_RollbackUnknownConditionLanguage(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/a")},
		RollbackStrategy: map[string][]schema.Action{
			"s1": {
				{
					TargetOperation:   &schema.OperationDescriptor{Target: "/undo"},
					Condition:         "print('hi')",
					ConditionLanguage: "lua",
					DependsOnStepID:   "s1",
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueBadCondition, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "unknown expression language")
}

func TestSemantic_RollbackActionInputUnknownOutput(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"zone_id": "data.id"},
			},
		},
		RollbackStrategy: map[string][]schema.Action{
			"create": {
				{
					TargetOperation: &schema.OperationDescriptor{Target: "/undo"},
					DependsOnStepID: "create",
					Inputs: map[string]schema.ValueSource{
						"zoneId": schema.ReferenceSource("create", "zone_name"),
					},
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rollback_strategy.create[0].inputs.zoneId", result.Errors[0].Path)
	assert.Equal(t, schema.IssueUnknownOutput, result.Errors[0].Code)
}

func TestSemantic_RollbackActionMayReferenceFailurePoint(t *testing.T) {
	// Actions belong to no step, so referencing the plan key's own
	// outputs is not a self-reference.
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{
				ID:        "create",
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Outputs:   map[string]string{"zone_id": "data.id"},
			},
		},
		RollbackStrategy: map[string][]schema.Action{
			"create": {
				{
					TargetOperation: &schema.OperationDescriptor{Target: "/undo"},
					DependsOnStepID: "create",
					Inputs: map[string]schema.ValueSource{
						"zoneId": schema.ReferenceSource("create", "zone_id"),
					},
				},
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid())
}

// --- Transform catalog ---

func TestSemantic_UnusedCatalogEntryWarns(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{opStep("s1", "/a")},
		DataTransformations: map[string]string{
			"orphan": ".ids",
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.True(t, result.Valid(), "unused entries are warnings")
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "data_transformations.orphan", result.Warnings[0].Path)
	assert.Equal(t, schema.IssueUnusedTransform, result.Warnings[0].Code)
}

func TestSemantic_CatalogEntryBadProgram(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepTypeTransform, Transform: "broken"},
		},
		DataTransformations: map[string]string{
			"broken": "][",
		},
	}
	result := validateSemantic(doc, testEngines(t))
	require.Len(t, result.Errors, 2)
	assert.Equal(t, schema.IssueBadTransform, result.Errors[0].Code)
}

// --- Multiple errors ---

func TestSemantic_EnumeratesEverything(t *testing.T) {
	// One pass reports every problem, not just the first.
	doc := &schema.WorkflowDocument{
		Steps: []schema.Step{
			{ID: "dup"}, // missing operation
			{
				ID:        "dup", // duplicate id
				Operation: &schema.OperationDescriptor{Target: "/zones"},
				Inputs: map[string]schema.ValueSource{
					"x": schema.ReferenceSource("ghost", "out"), // unknown step
				},
			},
			{
				ID:             "third",
				Operation:      &schema.OperationDescriptor{Target: "/a"},
				RequiredInputs: []string{"missing"}, // not declared
			},
		},
	}
	result := validateSemantic(doc, testEngines(t))
	assert.Len(t, result.Errors, 4)
}
