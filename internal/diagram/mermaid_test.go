package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(diagramDoc(), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% provisioning")

	// Node shapes: operations as rectangles, transforms as hexagons,
	// start/end as circles.
	assert.Contains(t, out, `create_zone["create_zone (zones.create)"]`)
	assert.Contains(t, out, `summarize{{"summarize (zone_summary)"}}`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `__end__(("End"))`)

	// Data dependencies carry the output name, ordering-only edges do not.
	assert.Contains(t, out, "create_zone -->|zone_id| attach_rate")
	assert.Contains(t, out, "summarize --> notify")
	assert.Contains(t, out, "__start__ --> create_zone")
	assert.Contains(t, out, "notify --> __end__")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	states := []*store.StepState{
		{StepID: "create_zone", Status: schema.StepStatusRolledBack},
		{StepID: "attach_rate", Status: schema.StepStatusFailed},
		{StepID: "summarize", Status: schema.StepStatusSkipped},
	}

	model, err := Build(diagramDoc(), states)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, "classDef completed")
	assert.Contains(t, out, "classDef failed")
	assert.Contains(t, out, "class create_zone rolledback")
	assert.Contains(t, out, "class attach_rate failed")
	assert.Contains(t, out, "class summarize skipped")
	assert.NotContains(t, out, "class notify")
}

func TestRenderMermaidSafeIDs(t *testing.T) {
	doc := &schema.WorkflowDocument{
		Metadata: schema.Metadata{Name: "dotted"},
		Steps: []schema.Step{
			{ID: "fetch-orders", Operation: &schema.OperationDescriptor{Target: "orders.list"}},
		},
	}

	model, err := Build(doc, nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "fetch_orders[")
	assert.Contains(t, out, "__start__ --> fetch_orders")
}

func TestRenderMermaidEmptyTitle(t *testing.T) {
	model := &Model{
		Nodes: []*Node{{ID: "a", Label: "a", Kind: NodeKindOperation}},
	}

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.NotContains(t, out, "%%")
}
