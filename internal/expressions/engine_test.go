package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbooklabs/runbook/pkg/schema"
)

func TestNewSet(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)
	assert.NotNil(t, s.CEL)
	assert.NotNil(t, s.Expr)
	assert.NotNil(t, s.JQ)
}

func TestSet_ForLanguage(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	tests := []struct {
		language string
		wantName string
	}{
		{"", "cel"},
		{"cel", "cel"},
		{"expr", "expr"},
		{"jq", "jq"},
	}
	for _, tt := range tests {
		engine, err := s.ForLanguage(tt.language)
		require.NoError(t, err, "language %q", tt.language)
		assert.Equal(t, tt.wantName, engine.Name())
	}

	_, err = s.ForLanguage("lua")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "lua")
}

func TestSet_EvalBool(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	data := map[string]any{
		"statuses": map[string]any{"create_zone": "completed"},
	}

	t.Run("cel true", func(t *testing.T) {
		ok, err := s.EvalBool(context.Background(), "cel", `statuses.create_zone == "completed"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("default language is cel", func(t *testing.T) {
		ok, err := s.EvalBool(context.Background(), "", `statuses.create_zone == "failed"`, data)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expr", func(t *testing.T) {
		ok, err := s.EvalBool(context.Background(), "expr", `statuses.create_zone == "completed"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("jq", func(t *testing.T) {
		ok, err := s.EvalBool(context.Background(), "jq", `.statuses.create_zone == "completed"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-boolean result rejected", func(t *testing.T) {
		_, err := s.EvalBool(context.Background(), "cel", `statuses.create_zone`, data)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeCondition))
		assert.Contains(t, err.Error(), "want boolean")
	})

	t.Run("unknown language", func(t *testing.T) {
		_, err := s.EvalBool(context.Background(), "lua", `true`, data)
		require.Error(t, err)
	})
}

func TestSet_Check(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	assert.NoError(t, s.Check("cel", `size(completed) > 0`))
	assert.NoError(t, s.Check("expr", `len(completed) > 0`))
	assert.NoError(t, s.Check("jq", `.completed | length > 0`))

	assert.Error(t, s.Check("cel", `>>>`))
	assert.Error(t, s.Check("lua", `anything`))
}
