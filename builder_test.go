package refine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
	"github.com/luno/refine/adapters/memstore"
)

func TestBuilder(t *testing.T) {
	b := refine.NewBuilder("humanize")
	b.AddStage(refine.TransformStage("paraphraser", markLevel))
	b.AddParallelGroup("scoring", refine.ScoreSequence("detector", 10), refine.ScoreSequence("similarity", 10))
	b.AddStage(refine.ScoreSequence("perplexity", 10), refine.ScoreOnly(), refine.WithStageMaxRetries(0))

	o := b.Build(memstore.New())
	require.Equal(t, "humanize", o.Name())
	require.Equal(t, []string{"paraphraser", "detector", "similarity", "perplexity"}, o.Stages())
}

func TestBuilderPanics(t *testing.T) {
	testCases := []struct {
		name  string
		build func()
	}{
		{
			name: "Empty pipeline",
			build: func() {
				refine.NewBuilder("empty").Build(memstore.New())
			},
		},
		{
			name: "Duplicate stage name",
			build: func() {
				b := refine.NewBuilder("dup")
				b.AddStage(refine.ScoreSequence("detector", 1))
				b.AddStage(refine.ScoreSequence("detector", 1))
			},
		},
		{
			name: "Duplicate stage name inside a group",
			build: func() {
				b := refine.NewBuilder("dup")
				b.AddStage(refine.ScoreSequence("detector", 1))
				b.AddParallelGroup("scoring", refine.ScoreSequence("detector", 1))
			},
		},
		{
			name: "Empty parallel group",
			build: func() {
				refine.NewBuilder("group").AddParallelGroup("scoring")
			},
		},
		{
			name: "Hook for a non-terminal status",
			build: func() {
				refine.NewBuilder("hooks").OnStatus(refine.StatusRunning, func(ctx context.Context, state *refine.WorkflowState) error {
					return nil
				})
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Panics(t, tc.build)
		})
	}
}

func TestScoreOnlyStageKeepsText(t *testing.T) {
	rewriting := refine.NewStage("checker", func(ctx context.Context, req refine.Request) (refine.Response, error) {
		return refine.Success("replaced", refine.ScoreSet{refine.PrimaryScore: 5}), nil
	})

	b := refine.NewBuilder("score-only")
	b.AddStage(rewriting, refine.ScoreOnly())
	o := b.Build(memstore.New())

	res := run(t, o, "Doc.", testConfig())
	refine.RequireStatus(t, res, refine.StatusSucceeded)
	require.Equal(t, "Doc.", res.FinalText)
}

func TestStageMaxRetriesOverride(t *testing.T) {
	stage, calls := flakyStage(1, errors.New("temporarily unavailable"))

	cfg := testConfig()
	cfg.FatalPolicy = refine.FatalPolicyAbort

	b := refine.NewBuilder("retries")
	b.AddStage(stage, refine.WithStageMaxRetries(0))
	o := b.Build(memstore.New())

	res := run(t, o, "Doc.", cfg)
	refine.RequireStatus(t, res, refine.StatusAborted)
	require.Equal(t, int32(1), calls.Load())
}

func TestRegistry(t *testing.T) {
	r := refine.NewRegistry()
	jtest.RequireNil(t, r.Register(refine.ScoreSequence("similarity", 1)))
	jtest.RequireNil(t, r.Register(refine.ScoreSequence("detector", 1)))

	err := r.Register(refine.ScoreSequence("detector", 2))
	jtest.Require(t, refine.ErrStageRegistered, err)

	s, ok := r.Lookup("detector")
	require.True(t, ok)
	require.Equal(t, "detector", s.Name())

	_, ok = r.Lookup("paraphraser")
	require.False(t, ok)

	require.Equal(t, []string{"detector", "similarity"}, r.Names())
}

func TestConfigStageMaxRetriesWinsOverOption(t *testing.T) {
	stage, calls := flakyStage(1, errors.New("temporarily unavailable"))

	cfg := testConfig()
	cfg.FatalPolicy = refine.FatalPolicyAbort
	cfg.StageMaxRetries = map[string]int{"flaky": 1}

	b := refine.NewBuilder("retries")
	b.AddStage(stage, refine.WithStageMaxRetries(0))
	o := b.Build(memstore.New())

	res := run(t, o, "Doc.", cfg)
	refine.RequireStatus(t, res, refine.StatusSucceeded)
	require.Equal(t, int32(2), calls.Load())
}
