package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, &cp)
	return &cp, nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) (*store.Event, error) {
	return nil, errors.New("store unavailable")
}

// --- RunFSM ---

func TestRunFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM("run-1", app)
	ctx := context.Background()

	assert.Equal(t, schema.RunStatusPending, fsm.Status())
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.RunStatusCompleted, nil))
	assert.Equal(t, schema.RunStatusCompleted, fsm.Status())

	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, app.Types())
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM("run-1", app)

	err := fsm.Transition(context.Background(), schema.RunStatusCompleted, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Contains(t, err.Error(), "pending")
	assert.Contains(t, err.Error(), "completed")

	assert.Equal(t, schema.RunStatusPending, fsm.Status(), "a rejected transition changes nothing")
	assert.Empty(t, app.Events())
}

func TestRunFSM_TerminalStatesRejectTransitions(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []schema.RunStatus{
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	} {
		fsm := NewRunFSM("run-1", nil)
		require.NoError(t, fsm.Transition(ctx, schema.RunStatusRunning, nil))
		require.NoError(t, fsm.Transition(ctx, terminal, nil))

		err := fsm.Transition(ctx, schema.RunStatusRunning, nil)
		require.Error(t, err, "no way out of terminal state %s", terminal)
	}
}

func TestRunFSM_CancelFromPendingAndRunning(t *testing.T) {
	ctx := context.Background()

	fromPending := NewRunFSM("run-1", nil)
	require.NoError(t, fromPending.Transition(ctx, schema.RunStatusCancelled, nil))

	fromRunning := NewRunFSM("run-2", nil)
	require.NoError(t, fromRunning.Transition(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, fromRunning.Transition(ctx, schema.RunStatusCancelled, nil))
}

func TestRunFSM_EmitsPayload(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM("run-1", app)

	payload, _ := json.Marshal(map[string]any{"order": []string{"a", "b"}})
	require.NoError(t, fsm.Transition(context.Background(), schema.RunStatusRunning, payload))

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.JSONEq(t, `{"order":["a","b"]}`, string(events[0].Payload))
}

func TestRunFSM_AppendErrorPropagates(t *testing.T) {
	fsm := NewRunFSM("run-1", &failAppender{})

	err := fsm.Transition(context.Background(), schema.RunStatusRunning, nil)
	require.Error(t, err)
	// The state change itself already happened; only the emit failed.
	assert.Equal(t, schema.RunStatusRunning, fsm.Status())
}

func TestRunFSM_BeforeHook(t *testing.T) {
	fsm := NewRunFSM("run-1", nil)

	var got []string
	fsm.BeforeTransition(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		got = append(got, from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), schema.RunStatusRunning, nil))
	assert.Equal(t, []string{"pending->running"}, got)
}

func TestRunFSM_BeforeHookErrorAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM("run-1", app)
	fsm.BeforeTransition(schema.RunStatusPending, schema.RunStatusRunning, func(string, string) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), schema.RunStatusRunning, nil)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusPending, fsm.Status())
	assert.Empty(t, app.Events())
}

func TestRunFSM_AfterHook(t *testing.T) {
	fsm := NewRunFSM("run-1", nil)

	called := false
	fsm.AfterTransition(schema.RunStatusPending, schema.RunStatusRunning, func(string, string) error {
		called = true
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), schema.RunStatusRunning, nil))
	assert.True(t, called)
}

// --- StepFSM ---

func TestStepFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM("run-1", "create_zone", app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.StepStatusCompleted, nil))
	assert.Equal(t, schema.StepStatusCompleted, fsm.Status())
	assert.Equal(t, "create_zone", fsm.StepID())

	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepCompleted}, app.Types())
	for _, e := range app.Events() {
		assert.Equal(t, "create_zone", e.StepID)
	}
}

func TestStepFSM_InvalidTransition(t *testing.T) {
	fsm := NewStepFSM("run-1", "s1", nil)

	err := fsm.Transition(context.Background(), schema.StepStatusCompleted, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.StepStatusPending, fsm.Status())
}

func TestStepFSM_SkippedOnlyFromPending(t *testing.T) {
	ctx := context.Background()

	fsm := NewStepFSM("run-1", "s1", nil)
	require.NoError(t, fsm.Transition(ctx, schema.StepStatusSkipped, nil))

	running := NewStepFSM("run-1", "s2", nil)
	require.NoError(t, running.Transition(ctx, schema.StepStatusRunning, nil))
	require.Error(t, running.Transition(ctx, schema.StepStatusSkipped, nil))
}

func TestStepFSM_RolledBackFromCompleted(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM("run-1", "s1", app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.StepStatusCompleted, nil))
	require.NoError(t, fsm.Transition(ctx, schema.StepStatusRolledBack, nil))
	assert.Equal(t, schema.StepStatusRolledBack, fsm.Status())

	// rolled_back has no event of its own; the rollback walker records the
	// compensating actions instead.
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepCompleted}, app.Types())
}

func TestStepFSM_RolledBackOnlyFromCompleted(t *testing.T) {
	ctx := context.Background()

	for _, setup := range []func(*StepFSM){
		func(*StepFSM) {}, // pending
		func(f *StepFSM) { _ = f.Transition(ctx, schema.StepStatusRunning, nil) },
		func(f *StepFSM) {
			_ = f.Transition(ctx, schema.StepStatusRunning, nil)
			_ = f.Transition(ctx, schema.StepStatusFailed, nil)
		},
	} {
		fsm := NewStepFSM("run-1", "s1", nil)
		setup(fsm)
		require.Error(t, fsm.Transition(ctx, schema.StepStatusRolledBack, nil))
	}
}

// --- Lifecycle ---

func TestLifecycle_TracksEveryStep(t *testing.T) {
	lc := NewLifecycle("run-1", []string{"a", "b"}, nil)

	require.NotNil(t, lc.Step("a"))
	require.NotNil(t, lc.Step("b"))
	assert.Nil(t, lc.Step("ghost"))
	assert.Equal(t, schema.RunStatusPending, lc.Run.Status())
	assert.Equal(t, schema.StepStatusPending, lc.Step("a").Status())
}

func TestLifecycle_CancelSkipsPendingSteps(t *testing.T) {
	app := &mockAppender{}
	lc := NewLifecycle("run-1", []string{"a", "b", "c"}, app)
	ctx := context.Background()

	require.NoError(t, lc.Run.Transition(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, lc.Step("a").Transition(ctx, schema.StepStatusRunning, nil))
	require.NoError(t, lc.Step("a").Transition(ctx, schema.StepStatusCompleted, nil))
	require.NoError(t, lc.Step("b").Transition(ctx, schema.StepStatusRunning, nil))

	require.NoError(t, lc.Cancel(ctx, "operator request"))

	assert.Equal(t, schema.RunStatusCancelled, lc.Run.Status())
	assert.Equal(t, schema.StepStatusCompleted, lc.Step("a").Status())
	assert.Equal(t, schema.StepStatusRunning, lc.Step("b").Status(), "running steps observe cancellation themselves")
	assert.Equal(t, schema.StepStatusSkipped, lc.Step("c").Status())

	types := app.Types()
	assert.Contains(t, types, schema.EventRunCancelled)
	assert.Contains(t, types, schema.EventStepSkipped)

	events := app.Events()
	last := events[len(events)-1]
	assert.Equal(t, schema.EventRunCancelled, last.Type)
	assert.JSONEq(t, `{"reason":"operator request"}`, string(last.Payload))
}

func TestLifecycle_CancelAfterTerminalIsNoop(t *testing.T) {
	lc := NewLifecycle("run-1", []string{"a"}, nil)
	ctx := context.Background()

	require.NoError(t, lc.Run.Transition(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, lc.Run.Transition(ctx, schema.RunStatusCompleted, nil))

	require.NoError(t, lc.Cancel(ctx, "too late"))
	assert.Equal(t, schema.RunStatusCompleted, lc.Run.Status())
}
