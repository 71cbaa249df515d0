package store

import (
	"context"
	"encoding/json"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// EventLog provides replay and tailing operations over a run's append-only
// event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a store with event log operations.
func NewEventLog(store Store) *EventLog {
	return &EventLog{store: store}
}

// Since returns the run's events with sequence greater than afterSeq, in
// sequence order. Used by pollers tailing a live run.
func (l *EventLog) Since(ctx context.Context, runID string, afterSeq int64) ([]*Event, error) {
	events, err := l.store.GetEvents(ctx, &EventFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, ev := range events {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// eventPayload is the union of payload fields the replay fold reads.
type eventPayload struct {
	Outputs    map[string]any  `json:"outputs,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Output     string          `json:"output,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ReplayEvents rebuilds the step states of a run purely from its event log.
// The log must be contiguous: sequences start at 1 with no gaps.
func (l *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := l.store.GetEvents(ctx, &EventFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s has no events", runID)
	}

	for i, ev := range events {
		if ev.Sequence != int64(i)+1 {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log for run %s has a gap: expected sequence %d, found %d", runID, i+1, ev.Sequence)
		}
	}

	states := make(map[string]*StepState)
	outputErrs := make(map[string][]map[string]any)
	compensated := make(map[string]bool)
	rollbackFailed := make(map[string]bool)

	get := func(stepID string) *StepState {
		if st, ok := states[stepID]; ok {
			return st
		}
		st := &StepState{RunID: runID, StepID: stepID, Status: schema.StepStatusPending}
		states[stepID] = st
		return st
	}

	for _, ev := range events {
		var payload eventPayload
		if len(ev.Payload) > 0 {
			// Malformed payloads are skipped rather than failing the
			// whole replay; the event itself still counts.
			_ = json.Unmarshal(ev.Payload, &payload)
		}

		switch ev.Type {
		case schema.EventStepStarted:
			st := get(ev.StepID)
			st.Status = schema.StepStatusRunning
			ts := ev.Timestamp
			st.StartedAt = &ts
		case schema.EventStepCompleted:
			st := get(ev.StepID)
			st.Status = schema.StepStatusCompleted
			ts := ev.Timestamp
			st.CompletedAt = &ts
			st.DurationMs = payload.DurationMs
			if payload.Outputs != nil {
				if data, err := json.Marshal(payload.Outputs); err == nil {
					st.Outputs = data
				}
			}
		case schema.EventStepFailed:
			st := get(ev.StepID)
			st.Status = schema.StepStatusFailed
			ts := ev.Timestamp
			st.CompletedAt = &ts
			st.DurationMs = payload.DurationMs
			st.Error = payload.Error
		case schema.EventStepSkipped:
			st := get(ev.StepID)
			st.Status = schema.StepStatusSkipped
		case schema.EventOutputMissing:
			get(ev.StepID)
			entry := map[string]any{"output": payload.Output}
			if len(payload.Error) > 0 {
				entry["error"] = json.RawMessage(payload.Error)
			}
			outputErrs[ev.StepID] = append(outputErrs[ev.StepID], entry)
		case schema.EventRollbackActionCompensated:
			compensated[ev.StepID] = true
		case schema.EventRollbackActionFailed:
			rollbackFailed[ev.StepID] = true
		}
	}

	for stepID, errs := range outputErrs {
		if data, err := json.Marshal(errs); err == nil {
			states[stepID].OutputErrors = data
		}
	}

	// A step counts as rolled back only when at least one of its actions
	// compensated and none failed.
	for stepID := range compensated {
		if rollbackFailed[stepID] {
			continue
		}
		if st, ok := states[stepID]; ok && st.Status == schema.StepStatusCompleted {
			st.Status = schema.StepStatusRolledBack
		}
	}

	return states, nil
}

// RunStatusFromEvents derives the final run status from the log, or pending
// if no terminal run event has been recorded.
func (l *EventLog) RunStatusFromEvents(ctx context.Context, runID string) (schema.RunStatus, error) {
	events, err := l.store.GetEvents(ctx, &EventFilter{RunID: runID})
	if err != nil {
		return "", err
	}

	status := schema.RunStatusPending
	for _, ev := range events {
		switch ev.Type {
		case schema.EventRunStarted:
			status = schema.RunStatusRunning
		case schema.EventRunCompleted:
			status = schema.RunStatusCompleted
		case schema.EventRunFailed:
			status = schema.RunStatusFailed
		case schema.EventRunCancelled:
			status = schema.RunStatusCancelled
		}
	}
	return status, nil
}

// LastSequence returns the highest sequence recorded for the run, or 0 for an
// empty log.
func (l *EventLog) LastSequence(ctx context.Context, runID string) (int64, error) {
	events, err := l.store.GetEvents(ctx, &EventFilter{RunID: runID})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}
