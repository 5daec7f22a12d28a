package logger

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
)

// Logger writes through jettison's global logger.
type Logger struct{}

func New() *Logger {
	return &Logger{}
}

func (l Logger) Debug(ctx context.Context, msg string, meta map[string]string) {
	log.Debug(ctx, msg, j.MKS(meta))
}

func (l Logger) Error(ctx context.Context, err error) {
	log.Error(ctx, errors.Wrap(err, ""))
}
