// Package diagram renders workflow documents as dependency graphs, optionally
// overlaid with the step states of a recorded run.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindOperation NodeKind = "operation"
	NodeKindTransform NodeKind = "transform"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Model is the intermediate representation consumed by renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the run state of a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge is a dependency between two nodes. Label names the outputs flowing
// along a data dependency; ordering-only edges are unlabeled.
type Edge struct {
	From  string
	To    string
	Label string
}
