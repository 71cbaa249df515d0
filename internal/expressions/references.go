package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// Source provides referenced step outputs during resolution. Implemented by
// the engine's execution context; declared here so resolution stays free of
// engine types.
type Source interface {
	// Lookup returns the value stored under "<stepID>.<output>".
	Lookup(stepID, output string) (any, bool)
	// OutputNames returns the output names recorded for a step, sorted.
	OutputNames(stepID string) []string
}

// Resolver turns a step's declared inputs into the concrete mapping handed to
// the operation invoker. Literals pass through verbatim; references are looked
// up in the source with the exact "{stepId.outputName[.path]}" contract.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveInputs resolves every input of a step against src.
//
// A reference that cannot resolve is fatal — the step must never be invoked
// on partial data — with one exception: inputs declared optional are dropped
// from the result instead. After resolution every required input must be
// present, so a missing required input always fails before invocation.
func (r *Resolver) ResolveInputs(step *schema.Step, src Source) (map[string]any, error) {
	resolved := make(map[string]any, len(step.Inputs))

	for _, name := range sortedInputNames(step.Inputs) {
		val, err := r.resolveValue(step.Inputs[name], src)
		if err != nil {
			if step.IsOptional(name) && !step.IsRequired(name) {
				continue
			}
			return nil, wrapInputError(name, step.Inputs[name], err).WithStep(step.ID)
		}
		resolved[name] = val
	}

	for _, name := range step.RequiredInputs {
		if _, ok := resolved[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"required input %q is unresolved", name).WithStep(step.ID)
		}
	}

	return resolved, nil
}

// ResolveMap resolves a plain ValueSource mapping with every reference
// treated as mandatory. Used for rollback action inputs.
func (r *Resolver) ResolveMap(inputs map[string]schema.ValueSource, src Source) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for _, name := range sortedInputNames(inputs) {
		val, err := r.resolveValue(inputs[name], src)
		if err != nil {
			return nil, wrapInputError(name, inputs[name], err)
		}
		resolved[name] = val
	}
	return resolved, nil
}

// wrapInputError folds the underlying resolution failure into one error that
// names the input, keeps the full reason in the message, and retains the
// original as cause.
func wrapInputError(name string, vs schema.ValueSource, err error) *schema.Error {
	inner := schema.AsError(err, schema.ErrCodeResolution)
	return schema.NewErrorf(schema.ErrCodeResolution, "input %q: %s", name, inner.Message).
		WithCause(err).
		WithDetails(map[string]any{"input": name, "source": vs.String()})
}

// resolveValue resolves one input value. A whole-string reference keeps the
// referenced value's type; embedded tokens interpolate into the surrounding
// string; composite literals are walked recursively.
func (r *Resolver) resolveValue(vs schema.ValueSource, src Source) (any, error) {
	val, err := vs.Value()
	if err != nil {
		return nil, err
	}
	return r.resolveDecoded(val, src)
}

func (r *Resolver) resolveDecoded(val any, src Source) (any, error) {
	switch v := val.(type) {
	case string:
		return r.resolveString(v, src)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveDecoded(item, src)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, k := range sortedKeys(v) {
			resolved, err := r.resolveDecoded(v[k], src)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

func (r *Resolver) resolveString(s string, src Source) (any, error) {
	tokens := schema.FindTokens(s)
	if len(tokens) == 0 {
		return s, nil
	}
	if len(tokens) == 1 && tokens[0].Whole {
		return r.resolveReference(tokens[0].Ref, src)
	}

	// Embedded tokens interpolate their string rendering in place.
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, tok := range tokens {
		val, err := r.resolveReference(tok.Ref, src)
		if err != nil {
			return nil, err
		}
		b.WriteString(s[last:tok.Start])
		b.WriteString(renderInline(val))
		last = tok.End
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// resolveReference looks up one reference and applies its accessor path.
// A missing lookup means the producing step has not run or never produced
// the output — fatal for the consumer.
func (r *Resolver) resolveReference(ref *schema.Reference, src Source) (any, error) {
	val, ok := src.Lookup(ref.StepID, ref.Output)
	if !ok {
		available := src.OutputNames(ref.StepID)
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"reference %s points to an output that was never produced; available outputs of %q: [%s]",
			ref, ref.StepID, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref.String(), "available_outputs": available})
	}
	if ref.Path == "" {
		return val, nil
	}
	out, err := EvalPath(val, ref.Path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"reference %s: %v", ref, err).WithCause(err).
			WithDetails(map[string]any{"reference": ref.String()})
	}
	return out, nil
}

// renderInline converts a resolved value into its in-string rendering:
// strings verbatim, scalars formatted, composites compact JSON.
func renderInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedInputNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
