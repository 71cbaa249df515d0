package engine

import (
	"strings"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// Plan is the validated execution plan for one document: every step indexed by
// id, the dependency edges derived from reference inputs and depends_on, and a
// deterministic topological order grouped into levels.
//
// Determinism contract: steps with no ordering constraint between them run in
// declaration order, so the same document always yields the same Order. Levels
// group steps by dependency depth; concatenating Levels reproduces Order, which
// lets the sequential and level-parallel schedulers share one plan.
type Plan struct {
	doc *schema.WorkflowDocument

	Steps      map[string]*schema.Step
	Deps       map[string][]string // step id -> ids it depends on
	Dependents map[string][]string // step id -> ids that depend on it
	Order      []string
	Levels     [][]string
}

// Document returns the planned document.
func (p *Plan) Document() *schema.WorkflowDocument {
	return p.doc
}

// Step returns a planned step by id.
func (p *Plan) Step(id string) (*schema.Step, bool) {
	s, ok := p.Steps[id]
	return s, ok
}

// BuildPlan derives the dependency graph of a document and topologically
// orders it. Planning is the runtime gate: duplicate ids, unknown or self
// dependencies, and cycles all fail here even when the caller skipped
// validation.
func BuildPlan(doc *schema.WorkflowDocument) (*Plan, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	if len(doc.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	plan := &Plan{
		doc:        doc,
		Steps:      make(map[string]*schema.Step, len(doc.Steps)),
		Deps:       make(map[string][]string, len(doc.Steps)),
		Dependents: make(map[string][]string, len(doc.Steps)),
	}

	for i := range doc.Steps {
		step := &doc.Steps[i]
		if _, exists := plan.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate step id %q", step.ID)
		}
		plan.Steps[step.ID] = step
	}

	ids := doc.StepIDs()
	for _, id := range ids {
		step := plan.Steps[id]
		for _, dep := range step.Dependencies() {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q depends on itself", id).WithStep(id)
			}
			if _, ok := plan.Steps[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q depends on unknown step %q", id, dep).WithStep(id)
			}
			plan.Deps[id] = append(plan.Deps[id], dep)
			plan.Dependents[dep] = append(plan.Dependents[dep], id)
		}
	}

	if err := plan.sort(ids); err != nil {
		return nil, err
	}
	return plan, nil
}

// sort runs a level-synchronous topological sort: each wave collects every
// unscheduled step whose dependencies all completed in earlier waves, scanning
// in declaration order. The waves become Levels and their concatenation Order.
func (p *Plan) sort(ids []string) error {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = len(p.Deps[id])
	}

	scheduled := make(map[string]bool, len(ids))
	for len(p.Order) < len(ids) {
		var wave []string
		for _, id := range ids {
			if !scheduled[id] && inDegree[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			break
		}
		for _, id := range wave {
			scheduled[id] = true
		}
		// Decrement after the whole wave is fixed so a freed step joins the
		// next wave, keeping levels aligned with dependency depth.
		for _, id := range wave {
			for _, dependent := range p.Dependents[id] {
				inDegree[dependent]--
			}
		}
		p.Levels = append(p.Levels, wave)
		p.Order = append(p.Order, wave...)
	}

	if len(p.Order) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if !scheduled[id] {
				stuck = append(stuck, id)
			}
		}
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"dependency cycle: steps [%s] can never execute", strings.Join(stuck, ", "))
	}
	return nil
}
