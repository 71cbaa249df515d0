package expressions

// ConditionScope carries the run state a rollback condition evaluates
// against. A scope is rendered once per evaluation from copies, so a
// condition can never observe or mutate live run state mid-change.
type ConditionScope struct {
	Steps     map[string]map[string]any // step id -> published outputs
	Statuses  map[string]string         // step id -> current status
	Completed []string                  // step ids in completion order
	Run       map[string]any            // run metadata: id, document, failed_step
}

// Data renders the scope as the four top-level variables the engines declare:
// steps, statuses, completed, run. Every value is deep-copied.
func (s *ConditionScope) Data() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, outputs := range s.Steps {
		steps[id] = deepCopyMap(outputs)
	}
	statuses := make(map[string]any, len(s.Statuses))
	for id, status := range s.Statuses {
		statuses[id] = status
	}
	completed := make([]any, len(s.Completed))
	for i, id := range s.Completed {
		completed[i] = id
	}
	return map[string]any{
		"steps":     steps,
		"statuses":  statuses,
		"completed": completed,
		"run":       deepCopyMap(s.Run),
	}
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives are value types
// and pass through.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
