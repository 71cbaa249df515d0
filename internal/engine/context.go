package engine

import (
	"sort"
	"sync"
)

// ExecutionContext is the shared blackboard of one run: every completed step's
// extracted outputs, plus the order in which steps completed. It is owned by
// a single run and mutex-guarded so the level-parallel mode can share it.
//
// The context grows monotonically during the forward pass. RemoveStep exists
// solely for rollback: once a step's compensations ran, its outputs no longer
// describe live remote state and are dropped from the final snapshot. The
// completion order is historical record and is never rewritten.
type ExecutionContext struct {
	mu        sync.RWMutex
	outputs   map[string]map[string]any
	completed []string
	seen      map[string]bool
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		outputs: make(map[string]map[string]any),
		seen:    make(map[string]bool),
	}
}

// SetOutputs records the extracted outputs of a step.
func (c *ExecutionContext) SetOutputs(stepID string, outputs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make(map[string]any, len(outputs))
	for k, v := range outputs {
		stored[k] = v
	}
	c.outputs[stepID] = stored
}

// MarkCompleted appends a step to the completion order, once.
func (c *ExecutionContext) MarkCompleted(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[stepID] {
		return
	}
	c.seen[stepID] = true
	c.completed = append(c.completed, stepID)
}

// Completed returns the step ids in forward completion order.
func (c *ExecutionContext) Completed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.completed))
	copy(out, c.completed)
	return out
}

// Lookup returns the value stored under "<stepID>.<output>". Implements the
// resolver's source contract.
func (c *ExecutionContext) Lookup(stepID, output string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	step, ok := c.outputs[stepID]
	if !ok {
		return nil, false
	}
	val, ok := step[output]
	return val, ok
}

// OutputNames returns the output names recorded for a step, sorted.
func (c *ExecutionContext) OutputNames(stepID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	step, ok := c.outputs[stepID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(step))
	for name := range step {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StepOutputs returns a copy of one step's outputs, or nil when the step has
// recorded none.
func (c *ExecutionContext) StepOutputs(stepID string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	step, ok := c.outputs[stepID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(step))
	for k, v := range step {
		out[k] = v
	}
	return out
}

// ByStep returns a copy of the context nested by step id, the shape condition
// scopes see as "steps".
func (c *ExecutionContext) ByStep() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]any, len(c.outputs))
	for stepID, outputs := range c.outputs {
		inner := make(map[string]any, len(outputs))
		for k, v := range outputs {
			inner[k] = v
		}
		out[stepID] = inner
	}
	return out
}

// Snapshot returns the flat "<stepId>.<outputName>" view reported on results.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any)
	for stepID, outputs := range c.outputs {
		for name, val := range outputs {
			out[stepID+"."+name] = val
		}
	}
	return out
}

// RemoveStep drops a step's outputs. Called during rollback after the step's
// compensations ran; the completion order is left intact.
func (c *ExecutionContext) RemoveStep(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outputs, stepID)
}
