package refine

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// StatusHookFunc is run when a workflow reaches the terminal status it was registered for. The state must not
// be modified.
type StatusHookFunc func(ctx context.Context, state *WorkflowState) error

// runHooks runs the hooks of the state's status in registration order. A failing hook is logged and does not
// stop the remaining hooks or change the outcome of the workflow.
func (o *Orchestrator) runHooks(ctx context.Context, state *WorkflowState) {
	ctx = context.WithoutCancel(ctx)
	for i, hook := range o.hooks[state.Status] {
		err := o.runHook(ctx, hook, state)
		if err != nil {
			o.logger.Error(ctx, errors.Wrap(err, "status hook failed", j.MKV{
				"workflow_id": state.ID,
				"status":      state.Status.String(),
				"hook":        i,
			}))
		}
	}
}

func (o *Orchestrator) runHook(ctx context.Context, hook StatusHookFunc, state *WorkflowState) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("status hook panicked", j.MKV{"panic": p})
		}
	}()

	return hook(ctx, state)
}
