package refine

import (
	"context"
	"strconv"
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// inject runs the injection pause for the current iteration. The points are checkpointed as pending before
// the operator is asked so that a resumed workflow re-enters the pause, and every answer is checkpointed as
// it is applied. An operator abort only sets AbortRequested; the caller ends the workflow.
func (o *Orchestrator) inject(ctx context.Context, state *WorkflowState) error {
	if o.operator == nil || o.injection == nil {
		o.logger.maybeDebug(ctx, "injection due but no operator configured", map[string]string{
			"workflow_id": state.ID,
			"iteration":   strconv.Itoa(state.CurrentIteration),
		})
		state.PendingInjection = nil
		return nil
	}

	cfg := state.Config
	if state.PendingInjection == nil {
		var scores ScoreSet
		if last, ok := state.LastScored(); ok {
			scores = last.ScoreSet
		}

		points := o.injection.identify(state.CurrentText, scores, cfg.MaxInjectionPoints, cfg.HighRiskThreshold)
		if len(points) == 0 {
			return nil
		}

		state.PendingInjection = &PendingInjection{
			Iteration: state.CurrentIteration,
			Points:    points,
		}

		err := o.save(ctx, state, false)
		if err != nil {
			return err
		}
	}

	pauseCtx := ctx
	if cfg.InjectionTimeout > 0 {
		var cancel context.CancelFunc
		pauseCtx, cancel = context.WithTimeout(ctx, cfg.InjectionTimeout)
		defer cancel()
	}

	pending := state.PendingInjection
	var index int
loop:
	for len(pending.Points) > 0 {
		point := pending.Points[0]
		d, err := o.operator.Decide(pauseCtx, Pause{
			WorkflowID: state.ID,
			Iteration:  pending.Iteration,
			Index:      index,
			Total:      index + len(pending.Points),
			Point:      point,
		})
		if ctx.Err() != nil {
			return errCancelled
		} else if err != nil {
			// An operator that times out or fails declines the rest of the pause.
			o.logger.Error(ctx, errors.Wrap(err, "injection pause ended early", j.MKV{
				"workflow_id": state.ID,
				"iteration":   pending.Iteration,
				"remaining":   len(pending.Points),
			}))
			break
		}

		var applied *Event
		switch d.Action {
		case ActionProvide:
			if strings.TrimSpace(d.Text) == "" {
				break
			}

			e := o.apply(state, point, d.Text)
			applied = &e
		case ActionSkipAll:
			break loop
		case ActionAbort:
			state.AbortRequested = true
			break loop
		}

		pending.Points = pending.Points[1:]
		index++

		err = o.save(ctx, state, false)
		if err != nil {
			return err
		}

		if applied != nil {
			o.publish(ctx, *applied)
		}
	}

	state.PendingInjection = nil
	state.UpdatedAt = o.clock.Now().UTC()
	return nil
}

// apply integrates operator text at point and moves the remaining pending points that lie at or after it.
func (o *Orchestrator) apply(state *WorkflowState, point InjectionPoint, text string) Event {
	state.CurrentText = o.injection.Integrate(state.CurrentText, point, text)

	now := o.clock.Now().UTC()
	state.InjectionRecords = append(state.InjectionRecords, InjectionRecord{
		Section:   point.Section,
		Offset:    point.Offset,
		Text:      text,
		Priority:  point.Priority,
		Iteration: state.PendingInjection.Iteration,
		AppliedAt: now,
	})

	shift := insertedLen(text)
	rest := state.PendingInjection.Points[1:]
	for i := range rest {
		if rest[i].Offset >= point.Offset {
			rest[i].Offset += shift
		}
	}

	e := newEvent(EventInjectionApplied, o.name, state, now)
	e.Section = point.Section
	return e
}
