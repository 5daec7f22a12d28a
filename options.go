package refine

import "time"

// stageOptions configures a single pipeline stage. Zero values fall back to the workflow Config.
type stageOptions struct {
	timeout    time.Duration
	maxRetries int
	scoreOnly  bool
}

func defaultStageOptions() stageOptions {
	return stageOptions{
		maxRetries: -1,
	}
}

type StageOption func(so *stageOptions)

// WithStageTimeout sets the per attempt timeout of a stage. Config.StageTimeouts still takes precedence so that
// a resumed workflow keeps the timeouts it was created with.
func WithStageTimeout(d time.Duration) StageOption {
	return func(so *stageOptions) {
		so.timeout = d
	}
}

// WithStageMaxRetries overrides Config.MaxRetries for a stage. Config.StageMaxRetries still takes precedence.
func WithStageMaxRetries(n int) StageOption {
	return func(so *stageOptions) {
		so.maxRetries = n
	}
}

// ScoreOnly marks a sequential stage as one that only contributes scores. Its output text is ignored.
func ScoreOnly() StageOption {
	return func(so *stageOptions) {
		so.scoreOnly = true
	}
}

func (so stageOptions) policy(cfg Config, stage string) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.retriesFor(stage, so.maxRetries),
		BaseDelay:  cfg.RetryBaseDelay,
		Timeout:    cfg.timeoutFor(stage, so.timeout),
	}
}
