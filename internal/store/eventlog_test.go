package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbooklabs/runbook/pkg/schema"
)

func appendTestEvent(t *testing.T, s *LibSQLStore, runID, stepID, eventType string, payload string) *Event {
	t.Helper()
	ev := &Event{RunID: runID, StepID: stepID, Type: eventType}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	appended, err := s.AppendEvent(context.Background(), ev)
	require.NoError(t, err)
	return appended
}

func TestAppendEvent_AssignsContiguousSequences(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	first := appendTestEvent(t, s, run.ID, "", schema.EventRunStarted, `{"order":["fetch"]}`)
	second := appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")
	third := appendTestEvent(t, s, run.ID, "fetch", schema.EventStepCompleted, `{"outputs":{"sha":"abc"}}`)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(3), third.Sequence)
	assert.False(t, third.Timestamp.IsZero())
}

func TestAppendEvent_SequencesArePerRun(t *testing.T) {
	s := newTestStore(t)
	runA := seedRun(t, s)
	runB := seedRun(t, s)

	appendTestEvent(t, s, runA.ID, "", schema.EventRunStarted, "")
	appendTestEvent(t, s, runA.ID, "", schema.EventRunCompleted, "")
	evB := appendTestEvent(t, s, runB.ID, "", schema.EventRunStarted, "")

	assert.Equal(t, int64(1), evB.Sequence)
}

func TestAppendEvent_RequiresRunIDAndType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendEvent(context.Background(), &Event{Type: schema.EventRunStarted})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.AppendEvent(context.Background(), &Event{RunID: "run-1"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAppendEvent_ConcurrentAppendersGetDistinctSequences(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendEvent(context.Background(), &Event{
				RunID: run.ID,
				Type:  schema.EventStepStarted,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.GetEvents(context.Background(), &EventFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, int64(i)+1, ev.Sequence)
	}
}

func TestGetEvents_Filters(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	appendTestEvent(t, s, run.ID, "", schema.EventRunStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepCompleted, "")
	appendTestEvent(t, s, run.ID, "build", schema.EventStepStarted, "")

	byStep, err := s.GetEvents(context.Background(), &EventFilter{RunID: run.ID, StepID: "fetch"})
	require.NoError(t, err)
	assert.Len(t, byStep, 2)

	byType, err := s.GetEvents(context.Background(), &EventFilter{RunID: run.ID, EventType: schema.EventStepStarted})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := s.GetEvents(context.Background(), &EventFilter{RunID: run.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(1), limited[0].Sequence)
}

func TestEventLog_Since(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	appendTestEvent(t, s, run.ID, "", schema.EventRunStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepCompleted, "")

	tail, err := log.Since(context.Background(), run.ID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Sequence)
	assert.Equal(t, int64(3), tail[1].Sequence)

	empty, err := log.Since(context.Background(), run.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReplayEvents_FoldsStepLifecycle(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	appendTestEvent(t, s, run.ID, "", schema.EventRunStarted, `{"order":["fetch","build","flaky"]}`)
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepCompleted, `{"outputs":{"sha":"abc123"},"duration_ms":120}`)
	appendTestEvent(t, s, run.ID, "build", schema.EventStepSkipped, `{"reason":"run cancelled"}`)
	appendTestEvent(t, s, run.ID, "flaky", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "flaky", schema.EventStepFailed, `{"error":{"code":"OPERATION_FAILED","message":"boom"},"duration_ms":45}`)

	states, err := log.ReplayEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)

	fetch := states["fetch"]
	assert.Equal(t, schema.StepStatusCompleted, fetch.Status)
	assert.JSONEq(t, `{"sha":"abc123"}`, string(fetch.Outputs))
	assert.Equal(t, int64(120), fetch.DurationMs)
	require.NotNil(t, fetch.StartedAt)
	require.NotNil(t, fetch.CompletedAt)

	assert.Equal(t, schema.StepStatusSkipped, states["build"].Status)

	flaky := states["flaky"]
	assert.Equal(t, schema.StepStatusFailed, flaky.Status)
	assert.JSONEq(t, `{"code":"OPERATION_FAILED","message":"boom"}`, string(flaky.Error))
	assert.Equal(t, int64(45), flaky.DurationMs)
}

func TestReplayEvents_MissingOutputsAccumulate(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepCompleted, `{"outputs":{"sha":"abc"}}`)
	appendTestEvent(t, s, run.ID, "fetch", schema.EventOutputMissing, `{"output":"branch"}`)
	appendTestEvent(t, s, run.ID, "fetch", schema.EventOutputMissing, `{"output":"tag"}`)

	states, err := log.ReplayEvents(context.Background(), run.ID)
	require.NoError(t, err)

	fetch := states["fetch"]
	assert.Equal(t, schema.StepStatusCompleted, fetch.Status)

	var outputErrs []map[string]any
	require.NoError(t, json.Unmarshal(fetch.OutputErrors, &outputErrs))
	require.Len(t, outputErrs, 2)
	assert.Equal(t, "branch", outputErrs[0]["output"])
	assert.Equal(t, "tag", outputErrs[1]["output"])
}

func TestReplayEvents_CompensatedStepBecomesRolledBack(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	appendTestEvent(t, s, run.ID, "provision", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "provision", schema.EventStepCompleted, `{"outputs":{"id":"vm-1"}}`)
	appendTestEvent(t, s, run.ID, "", schema.EventRollbackStarted, `{"failed_step":"configure"}`)
	appendTestEvent(t, s, run.ID, "provision", schema.EventRollbackActionCompensated, `{"action_index":0}`)
	appendTestEvent(t, s, run.ID, "", schema.EventRollbackCompleted, "")

	states, err := log.ReplayEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusRolledBack, states["provision"].Status)
}

func TestReplayEvents_FailedRollbackActionKeepsStepCompleted(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	appendTestEvent(t, s, run.ID, "provision", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "provision", schema.EventStepCompleted, "")
	appendTestEvent(t, s, run.ID, "provision", schema.EventRollbackActionCompensated, `{"action_index":0}`)
	appendTestEvent(t, s, run.ID, "provision", schema.EventRollbackActionFailed, `{"action_index":1,"error":{"code":"OPERATION_FAILED","message":"delete failed"}}`)

	states, err := log.ReplayEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, states["provision"].Status,
		"a step with any failed rollback action keeps its outputs visible")
}

func TestReplayEvents_DetectsGaps(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepCompleted, "")
	appendTestEvent(t, s, run.ID, "build", schema.EventStepStarted, "")

	_, err := s.db.Exec(`DELETE FROM events WHERE run_id = ? AND sequence = 2`, run.ID)
	require.NoError(t, err)

	_, err = log.ReplayEvents(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "gap")
}

func TestReplayEvents_EmptyLog(t *testing.T) {
	s := newTestStore(t)
	log := NewEventLog(s)

	_, err := log.ReplayEvents(context.Background(), "no-such-run")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRunStatusFromEvents(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	status, err := log.RunStatusFromEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, status)

	appendTestEvent(t, s, run.ID, "", schema.EventRunStarted, "")
	status, err = log.RunStatusFromEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, status)

	appendTestEvent(t, s, run.ID, "", schema.EventRunFailed, `{"failed_step":"build"}`)
	status, err = log.RunStatusFromEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, status)
}

func TestLastSequence(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	log := NewEventLog(s)

	seq, err := log.LastSequence(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	appendTestEvent(t, s, run.ID, "", schema.EventRunStarted, "")
	appendTestEvent(t, s, run.ID, "fetch", schema.EventStepStarted, "")

	seq, err = log.LastSequence(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestEventTimestamps_Preserved(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	appended, err := s.AppendEvent(context.Background(), &Event{
		RunID:     run.ID,
		Type:      schema.EventRunStarted,
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, ts, appended.Timestamp)

	events, err := s.GetEvents(context.Background(), &EventFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ts, events[0].Timestamp)
}
