package refine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventIterationCompleted EventType = "iteration_completed"
	EventInjectionApplied   EventType = "injection_applied"
	EventStatusChanged      EventType = "status_changed"
)

// Event is published after the state change it describes has been checkpointed.
type Event struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	WorkflowID      string    `json:"workflow_id"`
	Pipeline        string    `json:"pipeline"`
	Iteration       int       `json:"iteration"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	AggressionLevel Level     `json:"aggression_level"`
	Scores          ScoreSet  `json:"scores,omitempty"`
	Section         string    `json:"section,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// EventPublisher receives workflow events. Publish errors are logged and never affect the workflow.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

func newEvent(t EventType, pipeline string, state *WorkflowState, now time.Time) Event {
	e := Event{
		ID:              uuid.NewString(),
		Type:            t,
		WorkflowID:      state.ID,
		Pipeline:        pipeline,
		Iteration:       state.CurrentIteration,
		Status:          state.Status,
		AggressionLevel: state.AggressionLevel,
		CreatedAt:       now,
	}

	if state.Terminal() {
		e.Reason = state.Reason
	}

	if rec, ok := state.LastRecord(); ok {
		e.Scores = rec.ScoreSet.Clone()
	}

	return e
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error {
	return nil
}
