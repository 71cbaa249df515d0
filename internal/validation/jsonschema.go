package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// documentSchemaJSON is the JSON Schema for workflow documents.
// Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runbooklabs.dev/schemas/runbook.json",
  "type": "object",
  "required": ["workflow_metadata", "workflow_steps"],
  "properties": {
    "workflow_metadata": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "version": { "type": "string" },
        "target_system": { "type": "string" },
        "description": { "type": "string" }
      },
      "additionalProperties": false
    },
    "semantic_mappings": {
      "type": "object"
    },
    "workflow_steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "data_transformations": {
      "type": "object",
      "additionalProperties": { "type": "string", "minLength": 1 }
    },
    "rollback_strategy": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": { "$ref": "#/$defs/action" }
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["operation", "transform"]
        },
        "operation": { "$ref": "#/$defs/operation" },
        "transform": { "type": "string" },
        "inputs": { "type": "object" },
        "outputs": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "required_inputs": {
          "type": "array",
          "items": { "type": "string" }
        },
        "optional_inputs": {
          "type": "array",
          "items": { "type": "string" }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "operation": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "protocol": { "type": "string" },
        "target": { "type": "string", "minLength": 1 },
        "method": {
          "type": "string",
          "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]
        },
        "payload": {},
        "response_hint": {}
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["target_operation", "depends_on_step_id"],
      "properties": {
        "target_operation": { "$ref": "#/$defs/operation" },
        "condition": { "type": "string" },
        "condition_language": {
          "type": "string",
          "enum": ["cel", "expr", "jq"]
        },
        "depends_on_step_id": { "type": "string", "minLength": 1 },
        "inputs": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks documents against the embedded JSON Schema
// (Draft 2020-12). Safe for concurrent use; the schema compiles once.
type SchemaValidator struct {
	documentSchema *jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the document schema
// pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource("https://runbooklabs.dev/schemas/runbook.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}

	compiled, err := c.Compile("https://runbooklabs.dev/schemas/runbook.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}

	return &SchemaValidator{documentSchema: compiled}, nil
}

// ValidateRaw validates raw document JSON against the embedded schema.
// Unknown keys are caught here, before the decoder silently drops them.
func (v *SchemaValidator) ValidateRaw(data []byte) error {
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "document is not valid JSON: %v", err).WithCause(err)
	}
	if err := v.documentSchema.Validate(val); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateDocument validates a document against the embedded schema.
// On failure the returned error carries every violation in its details.
func (v *SchemaValidator) ValidateDocument(doc *schema.WorkflowDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}

	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}

	if err := v.documentSchema.Validate(val); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into an Error carrying
// one violation string per leaf failure.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("document failed structural validation with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
