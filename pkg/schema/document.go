package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// WorkflowDocument is the JSON runbook format: a declarative description of
// remote operations, the data dependencies between them, and the compensation
// plan to apply when a run fails partway through.
type WorkflowDocument struct {
	Metadata            Metadata            `json:"workflow_metadata"`
	SemanticMappings    map[string]any      `json:"semantic_mappings,omitempty"`
	Steps               []Step              `json:"workflow_steps"`
	DataTransformations map[string]string   `json:"data_transformations,omitempty"`
	RollbackStrategy    map[string][]Action `json:"rollback_strategy,omitempty"`
}

// SemanticMappings and DataTransformations are informational: mappings document
// how discovered API fields relate to domain concepts, and the transformation
// catalog holds named jq programs. Neither is executed on its own — a catalog
// entry runs only when a transform step names it.

// Metadata identifies a document. Immutable once loaded.
type Metadata struct {
	Name         string `json:"name"`
	Version      string `json:"version,omitempty"`
	TargetSystem string `json:"target_system,omitempty"`
	Description  string `json:"description,omitempty"`
}

// StepType enumerates the kinds of steps in a document.
type StepType string

const (
	// StepTypeOperation invokes a remote operation through the invoker boundary.
	StepTypeOperation StepType = "operation"
	// StepTypeTransform runs a local jq program over its resolved inputs.
	StepTypeTransform StepType = "transform"
)

// Step describes a single unit of work. Steps are immutable after load;
// execution accumulates results in the run's context, never in the step.
type Step struct {
	ID             string                 `json:"id"`
	Type           StepType               `json:"type,omitempty"` // operation (default) | transform
	Operation      *OperationDescriptor   `json:"operation,omitempty"`
	Transform      string                 `json:"transform,omitempty"` // jq program or data_transformations key
	Inputs         map[string]ValueSource `json:"inputs,omitempty"`
	Outputs        map[string]string      `json:"outputs,omitempty"` // output name -> extraction path over the response
	RequiredInputs []string               `json:"required_inputs,omitempty"`
	OptionalInputs []string               `json:"optional_inputs,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty"` // ordering-only, no data flow
}

// Kind returns the step type, defaulting to operation.
func (s *Step) Kind() StepType {
	if s.Type == "" {
		return StepTypeOperation
	}
	return s.Type
}

// IsRequired reports whether the named input is declared required.
func (s *Step) IsRequired(name string) bool {
	for _, n := range s.RequiredInputs {
		if n == name {
			return true
		}
	}
	return false
}

// IsOptional reports whether the named input is declared optional.
func (s *Step) IsOptional(name string) bool {
	for _, n := range s.OptionalInputs {
		if n == name {
			return true
		}
	}
	return false
}

// OperationDescriptor is a protocol-agnostic call template: a target
// (endpoint path or operation name), a payload template whose "{input}"
// placeholders are bound from the step's resolved inputs, and an optional
// declared response-shape hint. Transport, auth and retry live behind the
// invoker that interprets the descriptor.
type OperationDescriptor struct {
	Protocol     string          `json:"protocol,omitempty"` // http (default) | graphql | any registered invoker
	Target       string          `json:"target"`
	Method       string          `json:"method,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ResponseHint json.RawMessage `json:"response_hint,omitempty"`
}

// ProtocolName returns the protocol, defaulting to "http".
func (o *OperationDescriptor) ProtocolName() string {
	if o == nil || o.Protocol == "" {
		return "http"
	}
	return o.Protocol
}

// Action is one compensating operation in the rollback strategy. The strategy
// map is keyed by the step whose failure activates the plan; each action names
// the forward step it undoes, which orders execution in reverse completion.
type Action struct {
	TargetOperation   *OperationDescriptor   `json:"target_operation"`
	Condition         string                 `json:"condition,omitempty"`          // predicate over the context; false skips the action
	ConditionLanguage string                 `json:"condition_language,omitempty"` // cel (default) | expr
	DependsOnStepID   string                 `json:"depends_on_step_id"`
	Inputs            map[string]ValueSource `json:"inputs,omitempty"`
}

// ConditionEngine returns the declared condition language, defaulting to cel.
func (a *Action) ConditionEngine() string {
	if a.ConditionLanguage == "" {
		return "cel"
	}
	return a.ConditionLanguage
}

// References returns every step output reference in the step's inputs, in
// sorted input-name order.
func (s *Step) References() []*Reference {
	names := make([]string, 0, len(s.Inputs))
	for name := range s.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var refs []*Reference
	for _, name := range names {
		vs := s.Inputs[name]
		refs = append(refs, vs.References()...)
	}
	return refs
}

// Dependencies returns the step ids this step depends on: every step
// referenced from its inputs plus the explicit depends_on list, deduplicated
// in first-appearance order. Self and unknown ids are returned as written;
// validation decides what to do with them.
func (s *Step) Dependencies() []string {
	seen := make(map[string]struct{})
	var deps []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}
	for _, ref := range s.References() {
		add(ref.StepID)
	}
	for _, id := range s.DependsOn {
		add(id)
	}
	return deps
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDocument) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the declaration position of a step id, or -1.
// Declaration order is the deterministic tie-break for scheduling.
func (d *WorkflowDocument) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// StepIDs returns all step ids in declaration order.
func (d *WorkflowDocument) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i := range d.Steps {
		ids[i] = d.Steps[i].ID
	}
	return ids
}

// ParseDocument decodes a workflow document from JSON bytes.
func ParseDocument(data []byte) (*WorkflowDocument, error) {
	var doc WorkflowDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "document is not valid JSON: %v", err).WithCause(err)
	}
	return &doc, nil
}

// LoadDocument decodes a workflow document from a reader.
func LoadDocument(r io.Reader) (*WorkflowDocument, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return ParseDocument(data)
}

// LoadDocumentFromFile decodes a workflow document from a file path.
func LoadDocumentFromFile(path string) (*WorkflowDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", path, err)
	}
	return ParseDocument(data)
}
