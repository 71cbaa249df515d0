package diagram

import (
	"fmt"
	"strings"

	"github.com/runbooklabs/runbook/internal/engine"
	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// Virtual node ids framing the graph.
const (
	startNodeID = "__start__"
	endNodeID   = "__end__"
)

// Build constructs a Model from a workflow document and optional step states.
// It uses engine.BuildPlan for the topology, so anything unplannable
// (duplicates, unknown deps, cycles) fails here too.
func Build(doc *schema.WorkflowDocument, states []*store.StepState) (*Model, error) {
	plan, err := engine.BuildPlan(doc)
	if err != nil {
		return nil, fmt.Errorf("diagram: plan document: %w", err)
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.StepID] = s
	}

	nodes := make([]*Node, 0, len(plan.Order)+2)
	nodes = append(nodes, &Node{ID: startNodeID, Label: "Start", Kind: NodeKindStart})
	for _, stepID := range plan.Order {
		step := plan.Steps[stepID]
		node := &Node{
			ID:    stepID,
			Label: nodeLabel(doc, step),
			Kind:  nodeKind(step),
		}
		overlayStatus(node, stateMap)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endNodeID, Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title:  title(doc),
		Nodes:  nodes,
		Edges:  buildEdges(plan),
		Levels: buildLevels(plan),
	}, nil
}

func nodeKind(step *schema.Step) NodeKind {
	if step.Kind() == schema.StepTypeTransform {
		return NodeKindTransform
	}
	return NodeKindOperation
}

// nodeLabel creates a human-readable label for a step node: the id plus the
// operation target, or the transformation it applies.
func nodeLabel(doc *schema.WorkflowDocument, step *schema.Step) string {
	switch {
	case step.Kind() == schema.StepTypeTransform:
		if _, named := doc.DataTransformations[step.Transform]; named {
			return fmt.Sprintf("%s (%s)", step.ID, step.Transform)
		}
		return fmt.Sprintf("%s (jq)", step.ID)
	case step.Operation != nil && step.Operation.Target != "":
		return fmt.Sprintf("%s (%s)", step.ID, step.Operation.Target)
	default:
		return step.ID
	}
}

// overlayStatus applies recorded run state to a node.
func overlayStatus(node *Node, stateMap map[string]*store.StepState) {
	ss, ok := stateMap[node.ID]
	if !ok {
		return
	}
	errStr := ""
	if len(ss.Error) > 0 {
		errStr = string(ss.Error)
	}
	node.Status = &StatusOverlay{
		Status:     string(ss.Status),
		DurationMs: ss.DurationMs,
		Error:      errStr,
	}
}

// buildEdges derives the edge list: start to roots, one edge per dependency
// labeled with the outputs it carries, and leaves to end.
func buildEdges(plan *engine.Plan) []Edge {
	var edges []Edge

	for _, stepID := range plan.Order {
		if len(plan.Deps[stepID]) == 0 {
			edges = append(edges, Edge{From: startNodeID, To: stepID})
		}
	}

	for _, stepID := range plan.Order {
		labels := edgeLabels(plan.Steps[stepID])
		for _, dep := range plan.Deps[stepID] {
			edges = append(edges, Edge{From: dep, To: stepID, Label: labels[dep]})
		}
	}

	for _, stepID := range plan.Order {
		if len(plan.Dependents[stepID]) == 0 {
			edges = append(edges, Edge{From: stepID, To: endNodeID})
		}
	}

	return edges
}

// edgeLabels collects, per upstream step, the output names this step's inputs
// reference. Pure depends_on edges have no entry and stay unlabeled.
func edgeLabels(step *schema.Step) map[string]string {
	byDep := make(map[string][]string)
	seen := make(map[string]bool)
	for _, ref := range step.References() {
		key := ref.StepID + "." + ref.Output
		if seen[key] {
			continue
		}
		seen[key] = true
		byDep[ref.StepID] = append(byDep[ref.StepID], ref.Output)
	}

	labels := make(map[string]string, len(byDep))
	for dep, outputs := range byDep {
		labels[dep] = strings.Join(outputs, ", ")
	}
	return labels
}

// buildLevels wraps plan levels with the virtual start and end levels.
func buildLevels(plan *engine.Plan) [][]string {
	levels := make([][]string, 0, len(plan.Levels)+2)
	levels = append(levels, []string{startNodeID})
	levels = append(levels, plan.Levels...)
	levels = append(levels, []string{endNodeID})
	return levels
}

func title(doc *schema.WorkflowDocument) string {
	if doc != nil && doc.Metadata.Name != "" {
		return doc.Metadata.Name
	}
	return "Workflow"
}
