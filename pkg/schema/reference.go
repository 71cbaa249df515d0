package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Reference syntax is the wire-level contract for inter-step data flow:
// a string of the form "{stepId.outputName}" or "{stepId.outputName.path}"
// names an output produced by an earlier step, with an optional accessor
// path applied to the referenced value. Strings not matching this exact
// bracket form pass through as literals.

// Reference is a parsed "{stepId.outputName[.path]}" token.
type Reference struct {
	StepID string
	Output string
	Path   string // accessor suffix after the output name, "" when absent
}

// Key returns the context key "<stepId>.<outputName>".
func (r *Reference) Key() string {
	return r.StepID + "." + r.Output
}

func (r *Reference) String() string {
	if r.Path != "" {
		return "{" + r.StepID + "." + r.Output + "." + r.Path + "}"
	}
	return "{" + r.StepID + "." + r.Output + "}"
}

// ParseReference parses s as a whole-string reference token.
// It returns false for anything that is not the exact bracket form.
func ParseReference(s string) (*Reference, bool) {
	if len(s) < 5 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, false
	}
	return parseRefBody(s[1 : len(s)-1])
}

// parseRefBody parses "stepId.outputName[.path]" (no braces).
func parseRefBody(body string) (*Reference, bool) {
	first := strings.IndexByte(body, '.')
	if first <= 0 {
		return nil, false
	}
	stepID := body[:first]
	rest := body[first+1:]
	if !isIdentifier(stepID) || rest == "" {
		return nil, false
	}

	output := rest
	path := ""
	if second := strings.IndexByte(rest, '.'); second > 0 {
		output = rest[:second]
		path = rest[second+1:]
		if path == "" {
			return nil, false
		}
	}
	if !isIdentifier(output) {
		return nil, false
	}
	if strings.ContainsAny(path, "{} \t\n") {
		return nil, false
	}
	return &Reference{StepID: stepID, Output: output, Path: path}, true
}

// Token is one reference occurrence inside a string value.
type Token struct {
	Ref   *Reference
	Start int  // byte offset of '{'
	End   int  // byte offset just past '}'
	Whole bool // token spans the entire string
}

// FindTokens scans s for reference tokens, left to right. Brace pairs whose
// body does not parse as a reference are left alone, so payload fragments
// like "{}" or "{count}" survive untouched.
func FindTokens(s string) []Token {
	var tokens []Token
	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], '{')
		if open < 0 {
			break
		}
		open += i
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			break
		}
		close += open
		if ref, ok := parseRefBody(s[open+1 : close]); ok {
			tokens = append(tokens, Token{
				Ref:   ref,
				Start: open,
				End:   close + 1,
				Whole: open == 0 && close == len(s)-1,
			})
		}
		i = close + 1
	}
	return tokens
}

// Placeholder syntax binds resolved inputs into operation descriptors: a
// "{inputName}" token (one identifier, no dots) inside a target or payload
// string is replaced with the input's value at invocation time. Dotted bodies
// belong to the reference grammar above; the two never collide.

// FindPlaceholders returns the distinct placeholder names in s, in
// first-appearance order.
func FindPlaceholders(s string) []string {
	var names []string
	seen := make(map[string]struct{})
	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], '{')
		if open < 0 {
			break
		}
		open += i
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			break
		}
		close += open
		if body := s[open+1 : close]; isIdentifier(body) {
			if _, ok := seen[body]; !ok {
				seen[body] = struct{}{}
				names = append(names, body)
			}
		}
		i = close + 1
	}
	return names
}

// PayloadPlaceholders returns the distinct placeholder names across every
// string nested in a JSON payload template, in deterministic order.
func PayloadPlaceholders(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	var names []string
	seen := make(map[string]struct{})
	collectPlaceholders(doc, seen, &names)
	return names
}

func collectPlaceholders(v any, seen map[string]struct{}, out *[]string) {
	switch val := v.(type) {
	case string:
		for _, name := range FindPlaceholders(val) {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				*out = append(*out, name)
			}
		}
	case []any:
		for _, item := range val {
			collectPlaceholders(item, seen, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectPlaceholders(val[k], seen, out)
		}
	}
}

// isIdentifier reports whether s is a valid step id or output name:
// a letter followed by letters, digits, '_' or '-'. Dots are excluded
// because the reference syntax uses them as separators.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// IsValidID reports whether s can serve as a step id or output name inside
// reference tokens.
func IsValidID(s string) bool {
	return isIdentifier(s)
}

// ValueSource is one step input: either a literal JSON value or a reference
// to another step's output. The distinction is purely textual (the bracket
// form), so the type keeps the raw JSON and classifies on demand.
type ValueSource struct {
	raw json.RawMessage
}

// LiteralSource wraps a plain Go value as a literal input.
func LiteralSource(v any) ValueSource {
	data, err := json.Marshal(v)
	if err != nil {
		// Only unmarshalable kinds (chan, func) end up here; authors pass data.
		data = []byte("null")
	}
	return ValueSource{raw: data}
}

// ReferenceSource builds a reference input "{stepID.output}" with an
// optional accessor path.
func ReferenceSource(stepID, output string, path ...string) ValueSource {
	ref := Reference{StepID: stepID, Output: output, Path: strings.Join(path, ".")}
	data, _ := json.Marshal(ref.String())
	return ValueSource{raw: data}
}

// RawSource wraps raw JSON as an input value.
func RawSource(raw json.RawMessage) ValueSource {
	return ValueSource{raw: raw}
}

func (v *ValueSource) UnmarshalJSON(data []byte) error {
	v.raw = append(v.raw[:0:0], data...)
	return nil
}

func (v ValueSource) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// IsZero reports whether the source holds no value at all.
func (v ValueSource) IsZero() bool {
	return len(v.raw) == 0
}

// Raw returns the underlying JSON.
func (v ValueSource) Raw() json.RawMessage {
	return v.raw
}

// Value decodes the underlying JSON into a generic Go value.
func (v ValueSource) Value() (any, error) {
	if len(v.raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(v.raw, &out); err != nil {
		return nil, fmt.Errorf("decode input value: %w", err)
	}
	return out, nil
}

// StringValue returns the decoded string when the source is a JSON string.
func (v ValueSource) StringValue() (string, bool) {
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Reference returns the parsed reference when the source is exactly one
// whole-string bracket token.
func (v ValueSource) Reference() (*Reference, bool) {
	s, ok := v.StringValue()
	if !ok {
		return nil, false
	}
	return ParseReference(s)
}

// IsReference reports whether the source is a whole-string reference.
func (v ValueSource) IsReference() bool {
	_, ok := v.Reference()
	return ok
}

// References returns every reference the source carries: the whole-string
// form, tokens embedded in strings, and strings nested inside composite
// literals. Order is deterministic (document order within strings, sorted
// keys within objects).
func (v ValueSource) References() []*Reference {
	val, err := v.Value()
	if err != nil {
		return nil
	}
	var refs []*Reference
	collectReferences(val, &refs)
	return refs
}

func collectReferences(v any, out *[]*Reference) {
	switch val := v.(type) {
	case string:
		for _, tok := range FindTokens(val) {
			*out = append(*out, tok.Ref)
		}
	case []any:
		for _, item := range val {
			collectReferences(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectReferences(val[k], out)
		}
	}
}

func (v ValueSource) String() string {
	return string(v.raw)
}
