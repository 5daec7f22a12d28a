package refine

import "context"

type Logger interface {
	// Debug will be used by the orchestrator for debug logs when in debug mode.
	Debug(ctx context.Context, msg string, meta map[string]string)
	// Error is used when writing errors to the logs.
	Error(ctx context.Context, err error)
}

type logger struct {
	debugMode bool
	inner     Logger
}

func (l logger) maybeDebug(ctx context.Context, msg string, meta map[string]string) {
	if !l.debugMode {
		return
	}

	l.inner.Debug(ctx, msg, meta)
}

func (l logger) Error(ctx context.Context, err error) {
	l.inner.Error(ctx, err)
}
