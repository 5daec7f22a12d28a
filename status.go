package refine

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Status is the lifecycle status of a WorkflowState. StatusRunning is the only non-terminal status.
type Status int

const (
	StatusUnknown              Status = 0
	StatusRunning              Status = 1
	StatusSucceeded            Status = 2
	StatusStagnated            Status = 3
	StatusMaxIterationsReached Status = 4
	StatusAborted              Status = 5
	StatusFailed               Status = 6
	statusSentinel             Status = 7
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusStagnated:
		return "STAGNATED"
	case StatusMaxIterationsReached:
		return "MAX_ITERATIONS_REACHED"
	case StatusAborted:
		return "ABORTED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) Valid() bool {
	return s > StatusUnknown && s < statusSentinel
}

// Terminal returns true for every valid status other than StatusRunning. Once a workflow reaches a terminal
// status its text and history are frozen.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusRunning
}

// Partial reports whether the status represents a run that stopped without reaching its target but also
// without error.
func (s Status) Partial() bool {
	switch s {
	case StatusStagnated, StatusMaxIterationsReached:
		return true
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.Wrap(ErrInvalidStatus, "", j.MKV{"status": int(s)})
	}

	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for candidate := StatusRunning; candidate < statusSentinel; candidate++ {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}

	return errors.Wrap(ErrInvalidStatus, "", j.MKV{"status": string(b)})
}

// statusTransitions lists the only allowed moves. Terminal statuses have no outgoing transitions.
var statusTransitions = map[Status]map[Status]bool{
	StatusRunning: {
		StatusSucceeded:            true,
		StatusStagnated:            true,
		StatusMaxIterationsReached: true,
		StatusAborted:              true,
		StatusFailed:               true,
	},
}

func validateStatusTransition(from, to Status) error {
	valid, ok := statusTransitions[from]
	if !ok {
		return errors.Wrap(ErrInvalidStatusTransition, "current status is terminal", j.MKV{
			"from": from.String(),
			"to":   to.String(),
		})
	}

	if !valid[to] {
		return errors.Wrap(ErrInvalidStatusTransition, "", j.MKV{
			"from": from.String(),
			"to":   to.String(),
		})
	}

	return nil
}
