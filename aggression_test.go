package refine_test

import (
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
)

func TestAggressionController_MaybeEscalate(t *testing.T) {
	testCases := []struct {
		name      string
		start     refine.Level
		history   []refine.ScoreSet
		expected  refine.Level
		escalated bool
		exhausted bool
	}{
		{
			name:     "No history",
			start:    refine.LevelModerate,
			expected: refine.LevelModerate,
		},
		{
			name:     "First iteration has no delta",
			start:    refine.LevelModerate,
			history:  []refine.ScoreSet{scored(80)},
			expected: refine.LevelModerate,
		},
		{
			name:     "Improvement at the threshold keeps the level",
			start:    refine.LevelModerate,
			history:  []refine.ScoreSet{scored(80), scored(75)},
			expected: refine.LevelModerate,
		},
		{
			name:      "Improvement below the threshold escalates by one",
			start:     refine.LevelModerate,
			history:   []refine.ScoreSet{scored(80), scored(76)},
			expected:  refine.LevelAggressive,
			escalated: true,
		},
		{
			name:      "Regression escalates by one",
			start:     refine.LevelGentle,
			history:   []refine.ScoreSet{scored(40), scored(60)},
			expected:  refine.LevelModerate,
			escalated: true,
		},
		{
			name:      "Nuclear is exhausted",
			start:     refine.LevelNuclear,
			history:   []refine.ScoreSet{scored(80), scored(79)},
			expected:  refine.LevelNuclear,
			exhausted: true,
		},
		{
			name:     "Failed iteration keeps the level",
			start:    refine.LevelModerate,
			history:  []refine.ScoreSet{scored(80), failed(false)},
			expected: refine.LevelModerate,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := refine.DefaultConfig()
			cfg.AggressionStart = tc.start
			state := stateWithHistory(t, cfg, tc.history...)

			e := refine.NewAggressionController(cfg.EscalationThreshold).MaybeEscalate(state)
			require.Equal(t, tc.start, e.From)
			require.Equal(t, tc.expected, e.To)
			require.Equal(t, tc.expected, state.AggressionLevel)
			require.Equal(t, tc.escalated, e.Escalated)
			require.Equal(t, tc.exhausted, e.Exhausted)
			require.Equal(t, tc.exhausted, state.EscalationExhausted)
		})
	}
}

func TestAggressionController_NeverDecreases(t *testing.T) {
	cfg := refine.DefaultConfig()
	cfg.AggressionStart = refine.LevelGentle
	state := stateWithHistory(t, cfg, scored(90))
	controller := refine.NewAggressionController(cfg.EscalationThreshold)

	scores := []float64{89, 70, 69.5, 20, 19, 60, 59, 58}
	prev := state.AggressionLevel
	for i, s := range scores {
		delta := 0.0
		if last, ok := state.LastScored(); ok {
			delta = last.ScoreSet[refine.PrimaryScore] - s
		}

		state.IterationHistory = append(state.IterationHistory, refine.IterationRecord{
			IterationNumber:  i + 2,
			ScoreSet:         scored(s),
			ImprovementDelta: &delta,
		})
		state.CurrentIteration = len(state.IterationHistory)

		controller.MaybeEscalate(state)
		require.GreaterOrEqual(t, state.AggressionLevel, prev)
		require.LessOrEqual(t, state.AggressionLevel, prev+1)
		prev = state.AggressionLevel
	}

	require.Equal(t, refine.LevelNuclear, state.AggressionLevel)
	require.True(t, state.EscalationExhausted)
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in       string
		expected refine.Level
	}{
		{in: "gentle", expected: refine.LevelGentle},
		{in: "moderate", expected: refine.LevelModerate},
		{in: "3", expected: refine.LevelAggressive},
		{in: "intensive", expected: refine.LevelIntensive},
		{in: "5", expected: refine.LevelNuclear},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			l, err := refine.ParseLevel(tc.in)
			jtest.RequireNil(t, err)
			require.Equal(t, tc.expected, l)
			require.True(t, l.Valid())
			require.NotEqual(t, "unknown level", l.Description())
		})
	}

	for _, in := range []string{"", "0", "6", "extreme", "Gentle"} {
		_, err := refine.ParseLevel(in)
		require.Error(t, err, in)
	}
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "nuclear", refine.LevelNuclear.String())
	require.Equal(t, "Level(9)", refine.Level(9).String())
	require.False(t, refine.Level(0).Valid())
	require.Equal(t, "unknown level", refine.Level(9).Description())
}
