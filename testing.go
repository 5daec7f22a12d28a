package refine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SequenceStage is a scoring stage for tests that reports the next ScoreSet of a fixed sequence on every call.
// Once the sequence is exhausted the last ScoreSet is repeated.
type SequenceStage struct {
	name string

	mu    sync.Mutex
	sets  []ScoreSet
	calls int
	reqs  []Request
}

// ScoreSequence returns a stage reporting the given primary scores in order.
func ScoreSequence(name string, primary ...float64) *SequenceStage {
	sets := make([]ScoreSet, 0, len(primary))
	for _, p := range primary {
		sets = append(sets, ScoreSet{PrimaryScore: p})
	}

	return ScoreSetSequence(name, sets...)
}

// ScoreSetSequence returns a stage reporting the given score sets in order.
func ScoreSetSequence(name string, sets ...ScoreSet) *SequenceStage {
	if len(sets) == 0 {
		panic("ScoreSetSequence needs at least one score set")
	}

	return &SequenceStage{name: name, sets: sets}
}

func (s *SequenceStage) Name() string {
	return s.name
}

func (s *SequenceStage) Execute(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	if i >= len(s.sets) {
		i = len(s.sets) - 1
	}

	s.calls++
	s.reqs = append(s.reqs, req)
	return Success("", s.sets[i].Clone()), nil
}

// Calls returns how many times the stage has been executed.
func (s *SequenceStage) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

// Requests returns every request the stage received.
func (s *SequenceStage) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.reqs...)
}

// TransformStage returns a stage that rewrites the document with fn.
func TransformStage(name string, fn func(text string, level Level) string) Stage {
	return NewStage(name, func(ctx context.Context, req Request) (Response, error) {
		return Success(fn(req.Text, req.Config.AggressionLevel), nil), nil
	})
}

// FailingStage returns a stage that always fails with err.
func FailingStage(name string, err error) Stage {
	return NewStage(name, func(ctx context.Context, req Request) (Response, error) {
		return Response{}, err
	})
}

// ScriptedOperator answers injection pauses from a fixed list of decisions and skips once the list is
// exhausted.
type ScriptedOperator struct {
	mu        sync.Mutex
	decisions []Decision
	pauses    []Pause
}

func NewScriptedOperator(decisions ...Decision) *ScriptedOperator {
	return &ScriptedOperator{decisions: decisions}
}

func (o *ScriptedOperator) Decide(ctx context.Context, p Pause) (Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pauses = append(o.pauses, p)
	if len(o.decisions) == 0 {
		return Decision{Action: ActionSkip}, nil
	}

	d := o.decisions[0]
	o.decisions = o.decisions[1:]
	return d, nil
}

// Pauses returns every pause the operator was asked to answer.
func (o *ScriptedOperator) Pauses() []Pause {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]Pause(nil), o.pauses...)
}

// AwaitPause waits for the next pause of a ChannelOperator and fails the test if none arrives in time.
func AwaitPause(t testing.TB, op *ChannelOperator, timeout time.Duration) Pause {
	if t == nil {
		panic("AwaitPause can only be used for testing")
	}

	select {
	case p := <-op.Pauses():
		return p
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for injection pause")
		return Pause{}
	}
}

// RequireStatus fails the test unless the result ended in the given status.
func RequireStatus(t testing.TB, res WorkflowResult, s Status) {
	if t == nil {
		panic("RequireStatus can only be used for testing")
	}

	require.Equal(t, s.String(), res.Status.String(), "reason: %s, err: %v", res.Reason, res.Err)
}
