package invoke

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// RenderTarget renders "{inputName}" placeholders in an operation target.
// Validation guarantees every placeholder is bound to a declared input, so an
// absent value here means an optional input was dropped — the call cannot be
// built without it.
func RenderTarget(target string, inputs map[string]any) (string, error) {
	names := schema.FindPlaceholders(target)
	if len(names) == 0 {
		return target, nil
	}
	rendered := target
	for _, name := range names {
		val, ok := inputs[name]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeResolution,
				"placeholder {%s} in target %q has no resolved value", name, target)
		}
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", inlineValue(val))
	}
	return rendered, nil
}

// RenderPayload renders "{inputName}" placeholders inside a JSON payload
// template. A string that is exactly one whole placeholder takes the input's
// typed value; when that input was dropped (omitted optional), the enclosing
// object member is dropped with it. Embedded placeholders interpolate inline
// and must resolve, as must placeholders in array positions — dropping an
// array element would shift its siblings.
//
// Returns nil when the template is empty or the entire payload dropped.
func RenderPayload(payload json.RawMessage, inputs map[string]any) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"payload template is not valid JSON: %v", err).WithCause(err)
	}
	rendered, present, err := renderValue(doc, inputs, false)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"rendered payload cannot be marshalled: %v", err).WithCause(err)
	}
	return out, nil
}

// renderValue walks a decoded payload template. The second return reports
// whether the value survived rendering; inArray forbids the drop rule.
func renderValue(v any, inputs map[string]any, inArray bool) (any, bool, error) {
	switch val := v.(type) {
	case string:
		return renderString(val, inputs, inArray)

	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(val))
		for _, k := range keys {
			member, present, err := renderValue(val[k], inputs, false)
			if err != nil {
				return nil, false, err
			}
			if !present {
				continue
			}
			out[k] = member
		}
		return out, true, nil

	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			member, _, err := renderValue(item, inputs, true)
			if err != nil {
				return nil, false, err
			}
			out = append(out, member)
		}
		return out, true, nil

	default:
		return val, true, nil
	}
}

func renderString(s string, inputs map[string]any, inArray bool) (any, bool, error) {
	names := schema.FindPlaceholders(s)
	if len(names) == 0 {
		return s, true, nil
	}

	// A whole-token string takes the input's typed value.
	if len(names) == 1 && s == "{"+names[0]+"}" {
		val, ok := inputs[names[0]]
		if !ok {
			if inArray {
				return nil, false, schema.NewErrorf(schema.ErrCodeResolution,
					"placeholder {%s} in an array position has no resolved value", names[0])
			}
			return nil, false, nil
		}
		return val, true, nil
	}

	rendered := s
	for _, name := range names {
		val, ok := inputs[name]
		if !ok {
			return nil, false, schema.NewErrorf(schema.ErrCodeResolution,
				"placeholder {%s} in payload has no resolved value", name)
		}
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", inlineValue(val))
	}
	return rendered, true, nil
}

// inlineValue converts a resolved input into its in-string rendering:
// strings verbatim, scalars formatted, composites compact JSON.
func inlineValue(val any) string {
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
