package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// Accessor is one hop in an extraction path: a field name or an array index.
// Paths like "data.zones[0].id" parse into a flat accessor sequence, which is
// then applied hop by hop — a missing hop fails with the exact location and
// the fields that were available, never a silent null.
type Accessor struct {
	Field   string
	Index   int
	IsIndex bool
}

func (a Accessor) String() string {
	if a.IsIndex {
		return "[" + strconv.Itoa(a.Index) + "]"
	}
	return a.Field
}

// ParsePath parses a dot-delimited accessor path with optional array indices.
// The single dot "." selects the whole value.
func ParsePath(path string) ([]Accessor, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	if path == "." {
		return nil, nil
	}

	var accessors []Accessor
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, fmt.Errorf("empty segment at position %d in %q", i, path)
		}

		field := seg
		var indices []int
		for {
			open := strings.IndexByte(field, '[')
			if open < 0 {
				break
			}
			close := strings.IndexByte(field, ']')
			if close < open {
				return nil, fmt.Errorf("unbalanced brackets in segment %q of %q", seg, path)
			}
			idx, err := strconv.Atoi(field[open+1 : close])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("bad array index in segment %q of %q", seg, path)
			}
			if close != len(field)-1 && field[close+1] != '[' {
				return nil, fmt.Errorf("trailing characters after index in segment %q of %q", seg, path)
			}
			indices = append(indices, idx)
			field = field[:open] + field[close+1:]
		}

		if field != "" {
			accessors = append(accessors, Accessor{Field: field})
		} else if len(indices) == 0 {
			return nil, fmt.Errorf("empty segment at position %d in %q", i, path)
		}
		for _, idx := range indices {
			accessors = append(accessors, Accessor{Index: idx, IsIndex: true})
		}
	}
	return accessors, nil
}

// EvalPath applies an accessor path to a decoded JSON value.
func EvalPath(root any, path string) (any, error) {
	accessors, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return evalAccessors(root, accessors, path)
}

func evalAccessors(root any, accessors []Accessor, path string) (any, error) {
	current := root
	for _, acc := range accessors {
		if acc.IsIndex {
			arr, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("index %d in %q applied to non-array (%T)", acc.Index, path, current)
			}
			if acc.Index >= len(arr) {
				return nil, fmt.Errorf("index %d in %q out of range (length %d)", acc.Index, path, len(arr))
			}
			current = arr[acc.Index]
			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q in %q applied to non-object (%T)", acc.Field, path, current)
		}
		val, ok := obj[acc.Field]
		if !ok {
			return nil, fmt.Errorf("field %q not found in %q; available: [%s]",
				acc.Field, path, strings.Join(sortedKeys(obj), ", "))
		}
		current = val
	}
	return current, nil
}

// sortedKeys returns sorted keys from a map[string]any.
func sortedKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
