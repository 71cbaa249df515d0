package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/runbooklabs/runbook/internal/expressions"
	"github.com/runbooklabs/runbook/internal/logging"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// runRollback compensates completed steps after failedStep failed, walking
// the completion order strictly in reverse. The failed step's strategy names
// the actions; each action is tied to the completed step it undoes. Rollback
// is best-effort: a failing action is recorded and the walk continues, so one
// broken compensation never strands the ones behind it.
func (r *Runner) runRollback(ctx context.Context, st *runState, failedStep string, cause *schema.Error) []schema.RollbackOutcome {
	actions := st.doc.RollbackStrategy[failedStep]
	completed := st.execCtx.Completed()
	log := logging.LogWith(ctx, r.logger)

	if len(actions) == 0 {
		if len(completed) > 0 {
			log.Info("no rollback strategy for failed step",
				slog.String("failed_step", failedStep),
				slog.Int("completed_steps", len(completed)))
		}
		return nil
	}
	if len(completed) == 0 {
		return nil
	}

	// Events and state updates survive a caller cancel arriving mid-walk;
	// the compensating invocations themselves stay cancellable.
	detached := context.WithoutCancel(ctx)

	r.appendEvent(detached, st.runID, "", schema.EventRollbackStarted,
		marshalPayload(map[string]string{"failed_step": failedStep}))
	log.Warn("rollback started",
		slog.String("failed_step", failedStep),
		slog.Int("completed_steps", len(completed)),
		slog.Int("actions", len(actions)))

	// Index the strategy by the completed step each action undoes, keeping
	// the declared order within a step.
	byStep := make(map[string][]int, len(actions))
	for i := range actions {
		byStep[actions[i].DependsOnStepID] = append(byStep[actions[i].DependsOnStepID], i)
	}

	var outcomes []schema.RollbackOutcome
	compensatedTotal, skippedTotal, failedTotal := 0, 0, 0

	for i := len(completed) - 1; i >= 0; i-- {
		stepID := completed[i]
		idxs := byStep[stepID]
		if len(idxs) == 0 {
			continue
		}

		stepCompensated, stepFailed := 0, 0
		for _, idx := range idxs {
			outcome := r.runRollbackAction(ctx, detached, st, failedStep, stepID, idx, &actions[idx])
			outcomes = append(outcomes, outcome)
			switch outcome.Status {
			case schema.RollbackCompensated:
				stepCompensated++
				compensatedTotal++
			case schema.RollbackSkipped:
				skippedTotal++
			case schema.RollbackFailed:
				stepFailed++
				failedTotal++
			}
		}

		// A step is rolled back only when something actually compensated
		// it and nothing failed; its outputs then stop describing live
		// state and leave the context.
		if stepCompensated > 0 && stepFailed == 0 {
			st.execCtx.RemoveStep(stepID)
			_ = st.lc.Step(stepID).Transition(detached, schema.StepStatusRolledBack, nil)
			sr := st.result.Steps[stepID]
			sr.Status = schema.StepStatusRolledBack
			r.persistStep(detached, st.runID, sr)
		}
	}

	r.appendEvent(detached, st.runID, "", schema.EventRollbackCompleted,
		marshalPayload(map[string]any{
			"compensated": compensatedTotal,
			"skipped":     skippedTotal,
			"failed":      failedTotal,
		}))
	log.Info("rollback completed",
		slog.Int("compensated", compensatedTotal),
		slog.Int("skipped", skippedTotal),
		slog.Int("failed", failedTotal))
	return outcomes
}

// runRollbackAction evaluates one compensating action: condition first, then
// input resolution, then the invocation. Every path records an outcome and
// its event; nothing here aborts the walk.
func (r *Runner) runRollbackAction(ctx, detached context.Context, st *runState, failedStep, stepID string, idx int, action *schema.Action) schema.RollbackOutcome {
	outcome := schema.RollbackOutcome{
		StepID: stepID,
		Target: action.TargetOperation.Target,
		At:     time.Now().UTC(),
	}
	log := logging.LogWith(logging.WithStepID(detached, stepID), r.logger)

	recordFailed := func(err error) schema.RollbackOutcome {
		outcome.Status = schema.RollbackFailed
		outcome.Error = schema.AsError(err, schema.ErrCodeRollbackAction).WithStep(stepID)
		r.appendEvent(detached, st.runID, stepID, schema.EventRollbackActionFailed,
			marshalPayload(map[string]any{
				"action_index": idx,
				"target":       outcome.Target,
				"error":        outcome.Error,
			}))
		log.Error("rollback action failed",
			slog.String("target", outcome.Target),
			slog.String("error", outcome.Error.Message))
		return outcome
	}

	if action.Condition != "" {
		scope := &expressions.ConditionScope{
			Steps:     st.execCtx.ByStep(),
			Statuses:  st.stepStatuses(),
			Completed: st.execCtx.Completed(),
			Run: map[string]any{
				"id":          st.runID,
				"document":    st.doc.Metadata.Name,
				"failed_step": failedStep,
			},
		}
		ok, err := r.engines.EvalBool(ctx, action.ConditionEngine(), action.Condition, scope.Data())
		if err != nil {
			return recordFailed(schema.AsError(err, schema.ErrCodeCondition))
		}
		if !ok {
			outcome.Status = schema.RollbackSkipped
			r.appendEvent(detached, st.runID, stepID, schema.EventRollbackActionSkipped,
				marshalPayload(map[string]any{
					"action_index": idx,
					"target":       outcome.Target,
					"reason":       "condition false",
				}))
			log.Info("rollback action skipped", slog.String("target", outcome.Target))
			return outcome
		}
	}

	inputs, err := r.resolver.ResolveMap(action.Inputs, st.execCtx)
	if err != nil {
		return recordFailed(err)
	}

	invoker, err := r.registry.Get(action.TargetOperation.ProtocolName())
	if err != nil {
		return recordFailed(err)
	}
	if _, err := invoker.Invoke(ctx, action.TargetOperation, inputs); err != nil {
		return recordFailed(err)
	}

	outcome.Status = schema.RollbackCompensated
	r.appendEvent(detached, st.runID, stepID, schema.EventRollbackActionCompensated,
		marshalPayload(map[string]any{
			"action_index": idx,
			"target":       outcome.Target,
		}))
	log.Info("rollback action compensated", slog.String("target", outcome.Target))
	return outcome
}

// stepStatuses renders the current status of every step, the shape condition
// scopes see as "statuses".
func (st *runState) stepStatuses() map[string]string {
	out := make(map[string]string, len(st.plan.Order))
	for _, id := range st.plan.Order {
		if fsm := st.lc.Step(id); fsm != nil {
			out[id] = string(fsm.Status())
		}
	}
	return out
}
