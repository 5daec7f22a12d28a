package adaptertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/luno/refine"
)

// RunCheckpointStoreTest runs the behaviour every CheckpointStore must have against stores created by factory.
// Every test gets a fresh store.
func RunCheckpointStoreTest(t *testing.T, factory func(t *testing.T) refine.CheckpointStore) {
	tests := []func(t *testing.T, store refine.CheckpointStore){
		testRoundTrip,
		testOverwrite,
		testNotFound,
		testBackupRotation,
		testSaveWithoutBackup,
		testList,
		testDelete,
		testConcurrentSaves,
		testInvalidID,
	}

	for _, test := range tests {
		test(t, factory(t))
	}
}

// NewState returns a running workflow with the given number of completed iterations.
func NewState(t *testing.T, iterations int) *refine.WorkflowState {
	cfg := refine.DefaultConfig()
	cfg.QualityMinimums = map[string]float64{"similarity": 0.8}
	cfg.StageTimeouts = map[string]time.Duration{"paraphraser": 90 * time.Second}
	cfg.InjectionEnabled = true
	cfg.InjectionIterations = []int{1}

	state, err := refine.NewWorkflowState("Introduction\n\nThe original text.", cfg, nil)
	jtest.RequireNil(t, err)

	for i := 0; i < iterations; i++ {
		AppendIteration(state, 60-float64(i)*3)
	}

	return state
}

// AppendIteration adds a completed iteration scoring primary to state.
func AppendIteration(state *refine.WorkflowState, primary float64) {
	now := time.Now().UTC()
	rec := refine.IterationRecord{
		IterationNumber:     state.CurrentIteration + 1,
		AggressionLevelUsed: state.AggressionLevel,
		StageOutputs: []refine.StageOutput{
			{Stage: "paraphraser", OutputLength: len(state.CurrentText), Attempts: 1, DurationMs: 12},
			{Stage: "detector", Group: "scoring", Scores: refine.ScoreSet{refine.PrimaryScore: primary}, Attempts: 2},
		},
		ScoreSet:       refine.ScoreSet{refine.PrimaryScore: primary, "similarity": 0.91},
		TokenUsage:     refine.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		TimestampStart: now.Add(-time.Second),
		TimestampEnd:   now,
	}

	if prev, ok := state.LastScored(); ok {
		delta := prev.ScoreSet[refine.PrimaryScore] - primary
		rec.ImprovementDelta = &delta
	}

	state.IterationHistory = append(state.IterationHistory, rec)
	state.CurrentIteration = len(state.IterationHistory)
	state.CurrentText = fmt.Sprintf("%s\nrevision %d", state.CurrentText, rec.IterationNumber)
	state.UpdatedAt = now
}

func testRoundTrip(t *testing.T, store refine.CheckpointStore) {
	t.Run("Save and Load round trip", func(t *testing.T) {
		ctx := context.Background()
		state := NewState(t, 3)
		state.InjectionRecords = append(state.InjectionRecords, refine.InjectionRecord{
			Section:   "introduction",
			Offset:    14,
			Text:      "Operator context.",
			Priority:  4,
			Iteration: 1,
			AppliedAt: time.Now().UTC(),
		})
		state.IterationHistory[1].Failure = &refine.StageFailure{Stage: "paraphraser", Error: "boom", Attempts: 4, Occurrences: 1}
		state.IterationHistory[1].ImprovementDelta = nil
		state.IterationHistory[2].Warnings = []string{"primary score rose"}
		state.PendingInjection = &refine.PendingInjection{
			Iteration: 3,
			Points:    []refine.InjectionPoint{{Section: "introduction", Priority: 4, Offset: 12, Guidance: "Review"}},
		}
		state.Best = &refine.Snapshot{Iteration: 3, Text: state.CurrentText, Scores: refine.ScoreSet{refine.PrimaryScore: 54}}

		err := store.Save(ctx, state, true)
		jtest.RequireNil(t, err)

		loaded, err := store.Load(ctx, state.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, state, loaded)
	})

	t.Run("Terminal state round trip", func(t *testing.T) {
		ctx := context.Background()
		state := NewState(t, 2)
		completed := time.Now().UTC()
		state.Status = refine.StatusSucceeded
		state.Reason = "primary score reached target"
		state.CompletedAt = &completed
		state.FinalScores = refine.ScoreSet{refine.PrimaryScore: 57}

		err := store.Save(ctx, state, false)
		jtest.RequireNil(t, err)

		loaded, err := store.Load(ctx, state.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, state, loaded)
	})
}

func testOverwrite(t *testing.T, store refine.CheckpointStore) {
	t.Run("Save overwrites the previous checkpoint", func(t *testing.T) {
		ctx := context.Background()
		state := NewState(t, 1)

		err := store.Save(ctx, state, false)
		jtest.RequireNil(t, err)

		AppendIteration(state, 40)
		err = store.Save(ctx, state, false)
		jtest.RequireNil(t, err)

		loaded, err := store.Load(ctx, state.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, 2, loaded.CurrentIteration)
		require.Equal(t, state.CurrentText, loaded.CurrentText)
	})
}

func testNotFound(t *testing.T, store refine.CheckpointStore) {
	t.Run("Load of unknown workflow", func(t *testing.T) {
		_, err := store.Load(context.Background(), "does-not-exist")
		jtest.Require(t, refine.ErrCheckpointNotFound, err)
	})
}

func testBackupRotation(t *testing.T, store refine.CheckpointStore) {
	t.Run("Backups beyond retention are pruned oldest first", func(t *testing.T) {
		ctx := context.Background()
		state := NewState(t, 0)

		for i := 0; i < 15; i++ {
			AppendIteration(state, 60-float64(i))
			err := store.Save(ctx, state, true)
			jtest.RequireNil(t, err)
		}

		backups, err := store.ListBackups(ctx, state.ID)
		jtest.RequireNil(t, err)
		require.Len(t, backups, 10)

		for i, b := range backups {
			require.Equal(t, state.ID, b.WorkflowID)
			require.Equal(t, 15-i, b.Iteration)
			require.Greater(t, b.Size, int64(0))
			if i > 0 {
				require.True(t, b.Timestamp.Before(backups[i-1].Timestamp), "backups must be newest first")
			}
		}
	})
}

func testSaveWithoutBackup(t *testing.T, store refine.CheckpointStore) {
	t.Run("Save without backup keeps no copy", func(t *testing.T) {
		ctx := context.Background()
		state := NewState(t, 1)

		err := store.Save(ctx, state, false)
		jtest.RequireNil(t, err)

		backups, err := store.ListBackups(ctx, state.ID)
		jtest.RequireNil(t, err)
		require.Empty(t, backups)
	})
}

func testList(t *testing.T, store refine.CheckpointStore) {
	t.Run("List summarises every workflow", func(t *testing.T) {
		ctx := context.Background()
		a := NewState(t, 1)
		b := NewState(t, 2)

		for _, s := range []*refine.WorkflowState{a, b} {
			err := store.Save(ctx, s, false)
			jtest.RequireNil(t, err)
		}

		list, err := store.List(ctx)
		jtest.RequireNil(t, err)

		byID := make(map[string]refine.Summary)
		for _, s := range list {
			byID[s.WorkflowID] = s
		}

		require.Contains(t, byID, a.ID)
		require.Contains(t, byID, b.ID)
		require.Equal(t, 2, byID[b.ID].CurrentIteration)
		require.Equal(t, refine.StatusRunning, byID[b.ID].Status)
		require.Equal(t, 57.0, byID[b.ID].CurrentScores[refine.PrimaryScore])
	})
}

func testDelete(t *testing.T, store refine.CheckpointStore) {
	t.Run("Delete removes checkpoint and backups", func(t *testing.T) {
		ctx := context.Background()
		state := NewState(t, 1)

		err := store.Save(ctx, state, true)
		jtest.RequireNil(t, err)

		err = store.Delete(ctx, state.ID)
		jtest.RequireNil(t, err)

		_, err = store.Load(ctx, state.ID)
		jtest.Require(t, refine.ErrCheckpointNotFound, err)

		backups, err := store.ListBackups(ctx, state.ID)
		jtest.RequireNil(t, err)
		require.Empty(t, backups)

		err = store.Delete(ctx, state.ID)
		jtest.Require(t, refine.ErrCheckpointNotFound, err)
	})
}

func testConcurrentSaves(t *testing.T, store refine.CheckpointStore) {
	t.Run("Concurrent saves of different workflows", func(t *testing.T) {
		ctx := context.Background()

		states := make([]*refine.WorkflowState, 8)
		for i := range states {
			states[i] = NewState(t, i+1)
		}

		var eg errgroup.Group
		for _, s := range states {
			eg.Go(func() error {
				return store.Save(ctx, s, true)
			})
		}
		jtest.RequireNil(t, eg.Wait())

		for _, s := range states {
			loaded, err := store.Load(ctx, s.ID)
			jtest.RequireNil(t, err)
			require.Equal(t, s.CurrentIteration, loaded.CurrentIteration)
			require.Equal(t, s.CurrentText, loaded.CurrentText)
		}
	})
}

func testInvalidID(t *testing.T, store refine.CheckpointStore) {
	t.Run("Save rejects unsafe ids", func(t *testing.T) {
		state := NewState(t, 0)
		state.ID = "../escape"

		err := store.Save(context.Background(), state, false)
		jtest.Require(t, refine.ErrInvalidWorkflowID, err)
	})
}
