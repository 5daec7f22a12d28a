package refine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/refine/internal/metrics"
)

// RetryPolicy parameterises one stage invocation.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff before the first retry. Retry n waits BaseDelay * 2^n.
	BaseDelay time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Backoff returns the delay to wait after the given zero based attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

// Execution is the outcome of RetryExecutor.Execute.
type Execution struct {
	Response Response
	Attempts int
	Duration time.Duration
}

// RetryExecutor runs stages with bounded retries and exponential backoff. Timeouts, error responses and
// plain errors are transient. Errors marked with Fatal are not retried.
type RetryExecutor struct {
	pipeline string
	clock    clock.Clock
	logger   *logger
}

func newRetryExecutor(pipeline string, c clock.Clock, l *logger) *RetryExecutor {
	return &RetryExecutor{
		pipeline: pipeline,
		clock:    c,
		logger:   l,
	}
}

// NewRetryExecutor returns an executor that logs retries through l.
func NewRetryExecutor(c clock.Clock, l Logger, debugMode bool) *RetryExecutor {
	return newRetryExecutor("", c, &logger{debugMode: debugMode, inner: l})
}

// Execute invokes stage until it succeeds, fails fatally or the retry budget is exhausted. Stage calls are
// not interrupted when ctx is cancelled; each call is bounded by policy.Timeout instead. Cancellation is only
// honoured while waiting to retry, in which case ctx.Err() is returned.
func (r *RetryExecutor) Execute(ctx context.Context, stage Stage, req Request, policy RetryPolicy) (Execution, error) {
	t0 := r.clock.Now()
	defer func() {
		metrics.StageLatency.WithLabelValues(r.pipeline, stage.Name()).Observe(r.clock.Since(t0).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		resp, err := r.invoke(ctx, stage, req, policy.Timeout)
		if err == nil {
			return Execution{
				Response: resp,
				Attempts: attempt + 1,
				Duration: r.clock.Since(t0),
			}, nil
		}

		lastErr = err
		if IsFatal(err) {
			metrics.StageErrors.WithLabelValues(r.pipeline, stage.Name()).Inc()
			return Execution{Attempts: attempt + 1, Duration: r.clock.Since(t0)},
				errors.Wrap(ErrStageFailed, err.Error(), j.MKV{
					"stage":    stage.Name(),
					"attempts": attempt + 1,
					"fatal":    true,
				})
		}

		if attempt == policy.MaxRetries {
			break
		}

		delay := policy.Backoff(attempt)
		r.logger.maybeDebug(ctx, "retrying stage", map[string]string{
			"stage":       stage.Name(),
			"attempt":     strconv.Itoa(attempt + 1),
			"backoff":     delay.String(),
			"error":       err.Error(),
			"workflow_id": req.Config.WorkflowID,
		})
		metrics.StageRetries.WithLabelValues(r.pipeline, stage.Name()).Inc()

		err = r.wait(ctx, delay)
		if err != nil {
			return Execution{Attempts: attempt + 1, Duration: r.clock.Since(t0)}, err
		}
	}

	metrics.StageErrors.WithLabelValues(r.pipeline, stage.Name()).Inc()
	return Execution{Attempts: policy.MaxRetries + 1, Duration: r.clock.Since(t0)},
		errors.Wrap(ErrStageFailed, lastErr.Error(), j.MKV{
			"stage":    stage.Name(),
			"attempts": policy.MaxRetries + 1,
		})
}

func (r *RetryExecutor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

type invocation struct {
	resp Response
	err  error
}

// invoke runs a single attempt. The stage runs on its own goroutine so that a stage ignoring its context
// still cannot hold the loop past the timeout.
func (r *RetryExecutor) invoke(ctx context.Context, stage Stage, req Request, timeout time.Duration) (Response, error) {
	callCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(callCtx)
	}
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: Fatal(fmt.Errorf("stage panicked: %v", p))}
			}
		}()

		resp, err := stage.Execute(callCtx, req)
		done <- invocation{resp: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		return Response{}, errors.Wrap(ErrStageTimeout, "", j.MKV{
			"stage":   stage.Name(),
			"timeout": timeout.String(),
		})
	case res := <-done:
		if res.err != nil {
			return Response{}, res.err
		}

		if res.resp.Status != ResponseSuccess {
			return Response{}, errors.Wrap(ErrStageErrorResponse, res.resp.Error, j.MKV{
				"stage":  stage.Name(),
				"status": string(res.resp.Status),
			})
		}

		return res.resp, nil
	}
}
