package refine

import (
	stderrors "errors"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrCheckpointNotFound      = errors.New("checkpoint not found", j.C("ERR_4c1e0f7d2a9b8e31"))
	ErrCheckpointCorrupt       = errors.New("checkpoint corrupt and no valid backup exists", j.C("ERR_91b3d6e0c47f2a58"))
	ErrInvalidWorkflowID       = errors.New("invalid workflow id", j.C("ERR_0e7a2c5b9d13f846"))
	ErrInvalidConfig           = errors.New("invalid configuration", j.C("ERR_b82f4e61a0c9d375"))
	ErrInvalidStatus           = errors.New("invalid status", j.C("ERR_6a0d93c2e5b71f48"))
	ErrInvalidStatusTransition = errors.New("status cannot transition", j.C("ERR_d3f1a7b60e2c9854"))
	ErrWorkflowTerminal        = errors.New("workflow has already finished", j.C("ERR_2b9e6c04f8a1d735"))
	ErrStageFailed             = errors.New("stage failed after retries", j.C("ERR_7f04b2d9c1e6a538"))
	ErrStageTimeout            = errors.New("stage timed out", j.C("ERR_e5a81c3f7b20d946"))
	ErrStageErrorResponse      = errors.New("stage responded with error status", j.C("ERR_38c6f0a2d9e4b157"))
	ErrMissingPrimaryScore     = errors.New("no primary score reported by pipeline", j.C("ERR_a9d2e7c05b3f6184"))
	ErrCheckpointSave          = errors.New("checkpoint save failed", j.C("ERR_5e3b8a1d0f7c2e69"))
	ErrOperatorAbort           = errors.New("operator requested abort", j.C("ERR_c07f5d2a8e1b6943"))
	ErrCancelled               = errors.New("workflow cancelled", j.C("ERR_1d8c4b7e3a0f5926"))
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks a stage error as non-retryable. The RetryExecutor gives up on the first occurrence instead of
// backing off and trying again.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &fatalError{err: err}
}

// IsFatal returns true if err, or any error it wraps, was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return stderrors.As(err, &fe)
}
