package validation

import (
	"fmt"
	"strings"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// validateGraph performs dependency-graph analysis: cycle detection that
// names every stuck step, and lints for rollback actions that can never
// fire. Edges to unknown steps and self-edges are ignored here; semantic
// validation already reports them.
func validateGraph(doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(doc.Steps))
	for i := range doc.Steps {
		ids[doc.Steps[i].ID] = true
	}

	// deps[id] = steps id depends on; dependents[id] = steps depending on id.
	deps := make(map[string][]string, len(doc.Steps))
	dependents := make(map[string][]string, len(doc.Steps))
	for i := range doc.Steps {
		s := &doc.Steps[i]
		for _, dep := range s.Dependencies() {
			if dep == s.ID || !ids[dep] {
				continue
			}
			deps[s.ID] = append(deps[s.ID], dep)
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	if stuck := cycleMembers(doc, deps, dependents); len(stuck) > 0 {
		result.AddErrorf("workflow_steps", schema.IssueCycle,
			"dependency cycle: steps [%s] can never execute", strings.Join(stuck, ", "))
		return result // rollback reachability is meaningless on a cyclic graph
	}

	validateRollbackReachability(doc, deps, result)
	return result
}

// cycleMembers returns the steps caught in cyclic dependencies, in
// declaration order. A step survives the forward prune when something it
// transitively depends on is cyclic, and the backward prune when something
// depending on it is; surviving both means the step itself can never be
// scheduled.
func cycleMembers(doc *schema.WorkflowDocument, deps, dependents map[string][]string) []string {
	forward := pruneSurvivors(doc, deps, dependents)
	backward := pruneSurvivors(doc, dependents, deps)

	var members []string
	seen := make(map[string]bool)
	for _, id := range doc.StepIDs() {
		if forward[id] && backward[id] && !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	return members
}

// pruneSurvivors runs Kahn-style elimination: repeatedly remove nodes with no
// remaining in-edges, and return the set that was never removable.
func pruneSurvivors(doc *schema.WorkflowDocument, in, out map[string][]string) map[string]bool {
	degree := make(map[string]int, len(doc.Steps))
	var queue []string
	for _, id := range doc.StepIDs() {
		degree[id] = len(in[id])
	}
	for _, id := range doc.StepIDs() {
		if degree[id] == 0 {
			queue = append(queue, id)
		}
	}

	removed := make(map[string]bool, len(degree))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if removed[id] {
			continue
		}
		removed[id] = true
		for _, next := range out[id] {
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	survivors := make(map[string]bool)
	for id := range degree {
		if !removed[id] {
			survivors[id] = true
		}
	}
	return survivors
}

// validateRollbackReachability warns about rollback actions whose
// depends_on_step_id can never be completed at the moment their plan
// activates: the failure point itself, or anything downstream of it.
func validateRollbackReachability(doc *schema.WorkflowDocument, deps map[string][]string, result *schema.ValidationResult) {
	for _, key := range sortedKeys(doc.RollbackStrategy) {
		if doc.Step(key) == nil {
			continue // semantic reports the unknown key
		}
		for ai, action := range doc.RollbackStrategy[key] {
			d := action.DependsOnStepID
			if d == "" || doc.Step(d) == nil {
				continue
			}
			aPath := fmt.Sprintf("rollback_strategy.%s[%d].depends_on_step_id", key, ai)

			if d == key {
				result.AddWarningf(aPath, schema.IssueDeadAction,
					"action can never fire: step %q is the failure point and never completes", d)
				continue
			}
			if dependsOn(d, key, deps) {
				result.AddWarningf(aPath, schema.IssueDeadAction,
					"action can never fire: step %q runs only after %q, so it is never completed when %q fails", d, key, key)
			}
		}
	}
}

// dependsOn reports whether from transitively depends on target.
func dependsOn(from, target string, deps map[string][]string) bool {
	stack := []string{from}
	visited := make(map[string]bool)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range deps[id] {
			if dep == target {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}
