package refine_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
	"github.com/luno/refine/adapters/memevents"
	"github.com/luno/refine/adapters/memstore"
)

const paper = "Introduction\n\nWe study refinement.\n\n" +
	"Methods\n\nWe ran it.\n\n" +
	"Results\n\nIt worked well.\n\n" +
	"References\n\n[1] Someone."

func injectionConfig() refine.Config {
	cfg := testConfig()
	cfg.InjectionEnabled = true
	cfg.InjectionIterations = []int{1}
	return cfg
}

type operatorFunc func(ctx context.Context, p refine.Pause) (refine.Decision, error)

func (f operatorFunc) Decide(ctx context.Context, p refine.Pause) (refine.Decision, error) {
	return f(ctx, p)
}

func TestRun_InjectionPause(t *testing.T) {
	publisher := memevents.New()
	op := refine.NewScriptedOperator(
		refine.Decision{Action: refine.ActionSkip},
		refine.Decision{Action: refine.ActionProvide, Text: "A."},
		refine.Decision{Action: refine.ActionProvide, Text: "B."},
	)
	detector := refine.ScoreSequence("detector", 60, 10)

	b := refine.NewBuilder("injection")
	b.AddStage(detector)
	o := b.Build(memstore.New(), refine.WithInjection(op), refine.WithEventPublisher(publisher))

	res := run(t, o, paper, injectionConfig())
	refine.RequireStatus(t, res, refine.StatusSucceeded)
	require.Equal(t, 2, res.Iterations)

	// Results outranks the introduction which outranks the methods, and the methods point moved when text was
	// inserted before it.
	expected := "Introduction\n\nWe study refinement.\n\nA.\n\n" +
		"Methods\n\nWe ran it.\n\nB.\n\n" +
		"Results\n\nIt worked well.\n\n" +
		"References\n\n[1] Someone."
	require.Equal(t, expected, res.FinalText)
	require.Equal(t, expected, detector.Requests()[1].Text)

	pauses := op.Pauses()
	require.Len(t, pauses, 3)
	var sections []string
	for i, p := range pauses {
		require.Equal(t, res.WorkflowID, p.WorkflowID)
		require.Equal(t, 1, p.Iteration)
		require.Equal(t, i, p.Index)
		require.Equal(t, 3, p.Total)
		sections = append(sections, p.Point.Section)
	}
	require.Equal(t, []string{"results", "introduction", "methods"}, sections)
	require.Equal(t, []int{5, 4, 3}, []int{pauses[0].Point.Priority, pauses[1].Point.Priority, pauses[2].Point.Priority})

	require.Len(t, res.Injections, 2)
	require.Equal(t, "introduction", res.Injections[0].Section)
	require.Equal(t, "A.", res.Injections[0].Text)
	require.Equal(t, 1, res.Injections[0].Iteration)
	require.Equal(t, "methods", res.Injections[1].Section)

	applied := publisher.OfType(refine.EventInjectionApplied)
	require.Len(t, applied, 2)
	require.Equal(t, "introduction", applied[0].Section)
	require.Equal(t, "methods", applied[1].Section)
}

func TestRun_InjectionDecisions(t *testing.T) {
	testCases := []struct {
		name       string
		decisions  []refine.Decision
		status     refine.Status
		pauses     int
		injections int
	}{
		{
			name:      "Skip all ends the pause",
			decisions: []refine.Decision{{Action: refine.ActionSkipAll}},
			status:    refine.StatusSucceeded,
			pauses:    1,
		},
		{
			name:      "Blank text is a skip",
			decisions: []refine.Decision{{Action: refine.ActionProvide, Text: "  \n"}},
			status:    refine.StatusSucceeded,
			pauses:    3,
		},
		{
			name:       "Provide then skip all",
			decisions:  []refine.Decision{{Action: refine.ActionProvide, Text: "Note."}, {Action: refine.ActionSkipAll}},
			status:     refine.StatusSucceeded,
			pauses:     2,
			injections: 1,
		},
		{
			name:      "Abort ends the workflow",
			decisions: []refine.Decision{{Action: refine.ActionAbort}},
			status:    refine.StatusAborted,
			pauses:    1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			op := refine.NewScriptedOperator(tc.decisions...)

			b := refine.NewBuilder("injection")
			b.AddStage(refine.ScoreSequence("detector", 60, 10))
			o := b.Build(memstore.New(), refine.WithInjection(op))

			res := run(t, o, paper, injectionConfig())
			refine.RequireStatus(t, res, tc.status)
			require.Len(t, op.Pauses(), tc.pauses)
			require.Len(t, res.Injections, tc.injections)
		})
	}
}

func TestRun_OperatorAbort(t *testing.T) {
	op := refine.NewScriptedOperator(refine.Decision{Action: refine.ActionAbort})

	b := refine.NewBuilder("injection")
	b.AddStage(refine.ScoreSequence("detector", 60, 10))
	o := b.Build(memstore.New(), refine.WithInjection(op))

	res := run(t, o, paper, injectionConfig())
	refine.RequireStatus(t, res, refine.StatusAborted)
	jtest.Require(t, refine.ErrOperatorAbort, res.Err)
	require.Equal(t, "operator requested abort", res.Reason)
	require.Equal(t, 1, res.Iterations)
	require.Equal(t, paper, res.FinalText)
	require.Equal(t, refine.ExitFailed, res.ExitCode())
}

func TestRun_InjectionWithoutOperator(t *testing.T) {
	b := refine.NewBuilder("injection")
	b.AddStage(refine.ScoreSequence("detector", 60, 10))
	o := b.Build(memstore.New())

	res := run(t, o, paper, injectionConfig())
	refine.RequireStatus(t, res, refine.StatusSucceeded)
	require.Empty(t, res.Injections)
}

func TestRun_ResumeReentersPendingInjection(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// The first operator walks away at the first point after taking a copy of the checkpoint, as if the
	// process had died while waiting for input.
	var snapshot *refine.WorkflowState
	first := operatorFunc(func(ctx context.Context, p refine.Pause) (refine.Decision, error) {
		state, err := store.Load(ctx, p.WorkflowID)
		if err != nil {
			return refine.Decision{}, err
		}

		snapshot = state
		return refine.Decision{Action: refine.ActionAbort}, nil
	})

	b := refine.NewBuilder("injection")
	b.AddStage(refine.ScoreSequence("detector", 60, 10))
	o := b.Build(store, refine.WithInjection(first))

	res := run(t, o, paper, injectionConfig())
	refine.RequireStatus(t, res, refine.StatusAborted)
	require.NotNil(t, snapshot)
	require.Equal(t, refine.StatusRunning, snapshot.Status)
	require.NotNil(t, snapshot.PendingInjection)
	require.Len(t, snapshot.PendingInjection.Points, 3)

	restored := memstore.New()
	jtest.RequireNil(t, restored.Save(ctx, snapshot, false))

	second := refine.NewScriptedOperator(refine.Decision{Action: refine.ActionProvide, Text: "Resumed note."})
	b = refine.NewBuilder("injection")
	b.AddStage(refine.ScoreSequence("detector", 10))
	o = b.Build(restored, refine.WithInjection(second))

	state, err := o.Resume(ctx, snapshot.ID)
	jtest.RequireNil(t, err)

	res = o.Run(ctx, state)
	refine.RequireStatus(t, res, refine.StatusSucceeded)
	require.Equal(t, 2, res.Iterations)
	require.Contains(t, res.FinalText, "It worked well.\n\nResumed note.\n\nReferences")

	pauses := second.Pauses()
	require.Len(t, pauses, 3)
	require.Equal(t, 1, pauses[0].Iteration)
	require.Equal(t, "results", pauses[0].Point.Section)

	loaded, err := restored.Load(ctx, snapshot.ID)
	jtest.RequireNil(t, err)
	require.Nil(t, loaded.PendingInjection)
}

func TestRun_ChannelOperator(t *testing.T) {
	ctx := context.Background()
	op := refine.NewChannelOperator()

	b := refine.NewBuilder("injection")
	b.AddStage(refine.ScoreSequence("detector", 60, 10))
	o := b.Build(memstore.New(), refine.WithInjection(op))

	state, err := o.NewState(paper, injectionConfig())
	jtest.RequireNil(t, err)

	done := make(chan refine.WorkflowResult, 1)
	go func() {
		done <- o.Run(ctx, state)
	}()

	p := refine.AwaitPause(t, op, 5*time.Second)
	require.Equal(t, "results", p.Point.Section)
	require.Contains(t, p.Point.ContextBefore, "It worked well.")
	require.Contains(t, p.Point.ContextAfter, "References")

	jtest.RequireNil(t, op.Respond(ctx, refine.Decision{Action: refine.ActionProvide, Text: "Live note."}))

	p = refine.AwaitPause(t, op, 5*time.Second)
	require.Equal(t, "introduction", p.Point.Section)
	jtest.RequireNil(t, op.Respond(ctx, refine.Decision{Action: refine.ActionSkipAll}))

	select {
	case res := <-done:
		refine.RequireStatus(t, res, refine.StatusSucceeded)
		require.Len(t, res.Injections, 1)
		require.Contains(t, res.FinalText, "Live note.")
	case <-time.After(5 * time.Second):
		require.FailNow(t, "workflow did not finish")
	}
}

func TestRun_InjectionTimeout(t *testing.T) {
	cfg := injectionConfig()
	cfg.InjectionTimeout = 20 * time.Millisecond

	// Nobody answers the channel operator.
	op := refine.NewChannelOperator()

	b := refine.NewBuilder("injection")
	b.AddStage(refine.ScoreSequence("detector", 60, 10))
	o := b.Build(memstore.New(), refine.WithInjection(op))

	res := run(t, o, paper, cfg)
	refine.RequireStatus(t, res, refine.StatusSucceeded)
	require.Equal(t, 2, res.Iterations)
	require.Empty(t, res.Injections)
	require.Equal(t, paper, res.FinalText)
}
