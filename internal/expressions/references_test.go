package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// fakeSource is an in-memory Source for resolver tests.
type fakeSource struct {
	data map[string]map[string]any
}

func (f *fakeSource) Lookup(stepID, output string) (any, bool) {
	outputs, ok := f.data[stepID]
	if !ok {
		return nil, false
	}
	val, ok := outputs[output]
	return val, ok
}

func (f *fakeSource) OutputNames(stepID string) []string {
	return sortedKeys(f.data[stepID])
}

func zoneSource() *fakeSource {
	return &fakeSource{data: map[string]map[string]any{
		"discover": {
			"countryIds": []any{"gid://1", "gid://2"},
			"profileId":  "gid://shopify/DeliveryProfile/9",
		},
		"create_zone": {
			"zone_id":   "Z-100",
			"zone_meta": map[string]any{"name": "latam", "countries": float64(2)},
		},
	}}
}

// --- Literals pass through ---

func TestResolveInputs_Literals(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "s",
		Inputs: map[string]schema.ValueSource{
			"name":    schema.LiteralSource("latam zone"),
			"count":   schema.LiteralSource(3),
			"enabled": schema.LiteralSource(true),
			"tags":    schema.LiteralSource([]any{"a", "b"}),
			"empty":   schema.LiteralSource(map[string]any{}),
		},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)

	assert.Equal(t, "latam zone", resolved["name"])
	assert.Equal(t, float64(3), resolved["count"])
	assert.Equal(t, true, resolved["enabled"])
	assert.Equal(t, []any{"a", "b"}, resolved["tags"])
	assert.Equal(t, map[string]any{}, resolved["empty"])
}

// --- Whole-token references keep their type ---

func TestResolveInputs_TypedReference(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "create_zone",
		Inputs: map[string]schema.ValueSource{
			"countries": schema.ReferenceSource("discover", "countryIds"),
			"profile":   schema.ReferenceSource("discover", "profileId"),
		},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)

	assert.Equal(t, []any{"gid://1", "gid://2"}, resolved["countries"],
		"array reference must stay an array")
	assert.Equal(t, "gid://shopify/DeliveryProfile/9", resolved["profile"])
}

func TestResolveInputs_ReferenceWithPath(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "publish",
		Inputs: map[string]schema.ValueSource{
			"zone_name": schema.ReferenceSource("create_zone", "zone_meta", "name"),
		},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)
	assert.Equal(t, "latam", resolved["zone_name"])
}

// --- Embedded tokens interpolate as strings ---

func TestResolveInputs_Interpolation(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "notify",
		Inputs: map[string]schema.ValueSource{
			"message": schema.LiteralSource("zone {create_zone.zone_id} now has {create_zone.zone_meta.countries} countries"),
		},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)
	assert.Equal(t, "zone Z-100 now has 2 countries", resolved["message"])
}

func TestResolveInputs_InterpolatesCompositeAsJSON(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "log",
		Inputs: map[string]schema.ValueSource{
			"line": schema.LiteralSource("ids={discover.countryIds}"),
		},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)
	assert.Equal(t, `ids=["gid://1","gid://2"]`, resolved["line"])
}

// --- Composite literals resolve recursively ---

func TestResolveInputs_NestedComposite(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "create_zone",
		Inputs: map[string]schema.ValueSource{
			"payload": schema.LiteralSource(map[string]any{
				"profileId": "{discover.profileId}",
				"zones": []any{
					map[string]any{"countries": "{discover.countryIds}"},
				},
			}),
		},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"profileId": "gid://shopify/DeliveryProfile/9",
		"zones": []any{
			map[string]any{"countries": []any{"gid://1", "gid://2"}},
		},
	}, resolved["payload"])
}

// --- Resolution failures ---

func TestResolveInputs_UnresolvableIsFatal(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "publish",
		Inputs: map[string]schema.ValueSource{
			"zone": schema.ReferenceSource("create_zone", "nonexistent"),
		},
	}

	_, err := r.ResolveInputs(step, zoneSource())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))

	var opErr *schema.Error
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "publish", opErr.StepID)
	assert.Contains(t, opErr.Message, "never produced")
	assert.Contains(t, opErr.Message, "zone_id", "message should list available outputs")
}

func TestResolveInputs_UnknownStepIsFatal(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "publish",
		Inputs: map[string]schema.ValueSource{
			"zone": schema.ReferenceSource("never_ran", "zone_id"),
		},
	}

	_, err := r.ResolveInputs(step, zoneSource())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))
}

func TestResolveInputs_BadPathIsFatal(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "publish",
		Inputs: map[string]schema.ValueSource{
			"name": schema.ReferenceSource("create_zone", "zone_meta", "missing_field"),
		},
	}

	_, err := r.ResolveInputs(step, zoneSource())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))
	assert.Contains(t, err.Error(), "missing_field")
}

// --- Optional inputs drop instead of failing ---

func TestResolveInputs_OptionalDropped(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "publish",
		Inputs: map[string]schema.ValueSource{
			"zone":  schema.ReferenceSource("create_zone", "zone_id"),
			"extra": schema.ReferenceSource("create_zone", "nonexistent"),
		},
		OptionalInputs: []string{"extra"},
	}

	resolved, err := r.ResolveInputs(step, zoneSource())
	require.NoError(t, err)

	assert.Equal(t, "Z-100", resolved["zone"])
	_, present := resolved["extra"]
	assert.False(t, present, "unresolvable optional input must be dropped")
}

func TestResolveInputs_RequiredWinsOverOptional(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID: "publish",
		Inputs: map[string]schema.ValueSource{
			"zone": schema.ReferenceSource("create_zone", "nonexistent"),
		},
		RequiredInputs: []string{"zone"},
		OptionalInputs: []string{"zone"},
	}

	_, err := r.ResolveInputs(step, zoneSource())
	require.Error(t, err, "required listing overrides optional listing")
}

func TestResolveInputs_RequiredMustBePresent(t *testing.T) {
	r := NewResolver()
	step := &schema.Step{
		ID:             "publish",
		Inputs:         map[string]schema.ValueSource{},
		RequiredInputs: []string{"zone"},
	}

	_, err := r.ResolveInputs(step, zoneSource())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))
	assert.Contains(t, err.Error(), `required input "zone"`)
}

// --- ResolveMap (rollback action inputs, always strict) ---

func TestResolveMap(t *testing.T) {
	r := NewResolver()

	t.Run("resolves references", func(t *testing.T) {
		resolved, err := r.ResolveMap(map[string]schema.ValueSource{
			"id":     schema.ReferenceSource("create_zone", "zone_id"),
			"reason": schema.LiteralSource("rollback"),
		}, zoneSource())
		require.NoError(t, err)
		assert.Equal(t, "Z-100", resolved["id"])
		assert.Equal(t, "rollback", resolved["reason"])
	})

	t.Run("any failure is fatal", func(t *testing.T) {
		_, err := r.ResolveMap(map[string]schema.ValueSource{
			"id": schema.ReferenceSource("create_zone", "gone"),
		}, zoneSource())
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))
	})
}

// --- renderInline ---

func TestRenderInline(t *testing.T) {
	assert.Equal(t, "plain", renderInline("plain"))
	assert.Equal(t, "null", renderInline(nil))
	assert.Equal(t, "true", renderInline(true))
	assert.Equal(t, "3.5", renderInline(3.5))
	assert.Equal(t, "7", renderInline(7))
	assert.Equal(t, `{"a":1}`, renderInline(map[string]any{"a": float64(1)}))
}
