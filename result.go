package refine

import (
	"github.com/luno/jettison/errors"
)

// Exit codes reported by ExitCode.
const (
	ExitSuccess       = 0
	ExitPartial       = 1
	ExitFailed        = 2
	ExitInvalidConfig = 3
)

// WorkflowResult is the outcome of Orchestrator.Run. Every terminal status carries a reason and the full
// iteration history.
type WorkflowResult struct {
	WorkflowID      string
	Status          Status
	Reason          string
	Iterations      int
	AggressionLevel Level
	FinalText       string
	FinalScores     ScoreSet
	History         []IterationRecord
	Injections      []InjectionRecord
	TokenUsage      TokenUsage
	// Err is set when the run ended because of an error rather than a quality gate decision, for example a
	// checkpoint that could not be written or a cancelled context.
	Err error
}

func newResult(state *WorkflowState, err error) WorkflowResult {
	return WorkflowResult{
		WorkflowID:      state.ID,
		Status:          state.Status,
		Reason:          state.Reason,
		Iterations:      state.CurrentIteration,
		AggressionLevel: state.AggressionLevel,
		FinalText:       state.CurrentText,
		FinalScores:     state.FinalScores,
		History:         state.IterationHistory,
		Injections:      state.InjectionRecords,
		TokenUsage:      state.TokenUsage,
		Err:             err,
	}
}

// ExitCode maps the result onto the process exit codes of the command line tool.
func (r WorkflowResult) ExitCode() int {
	if errors.Is(r.Err, ErrInvalidConfig) {
		return ExitInvalidConfig
	}

	if errors.Is(r.Err, ErrCheckpointSave) {
		return ExitFailed
	}

	switch {
	case r.Status == StatusSucceeded:
		return ExitSuccess
	case r.Status.Partial():
		return ExitPartial
	default:
		return ExitFailed
	}
}

// ErrorReport collects everything that went wrong during a workflow for display.
type ErrorReport struct {
	WorkflowID string         `json:"workflow_id"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason"`
	Failures   []StageFailure `json:"failures"`
	Warnings   []string       `json:"warnings"`
	Error      string         `json:"error,omitempty"`
}

func (r WorkflowResult) ErrorReport() ErrorReport {
	rep := ErrorReport{
		WorkflowID: r.WorkflowID,
		Status:     r.Status,
		Reason:     r.Reason,
		Failures:   []StageFailure{},
		Warnings:   []string{},
	}

	for _, rec := range r.History {
		if rec.Failure != nil {
			rep.Failures = append(rep.Failures, *rec.Failure)
		}

		rep.Warnings = append(rep.Warnings, rec.Warnings...)
	}

	if r.Err != nil {
		rep.Error = r.Err.Error()
	}

	return rep
}
