package logger_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine/internal/logger"
)

func TestDebug(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	log.SetLoggerForTesting(t, log.NewCmdLogger(buf, true))

	l := logger.New()
	l.Debug(context.Background(), "stage retried", map[string]string{"stage": "paraphraser"})

	require.Contains(t, buf.String(), "stage retried")
	require.Contains(t, buf.String(), "stage=paraphraser")
}

func TestError(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	log.SetLoggerForTesting(t, log.NewCmdLogger(buf, true))

	l := logger.New()
	l.Error(context.Background(), errors.New("checkpoint corrupt"))

	require.Contains(t, buf.String(), "checkpoint corrupt")
}
