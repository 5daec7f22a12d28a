package refine

import (
	"fmt"
	"sort"
)

// Verdict is the outcome of a quality gate evaluation.
type Verdict int

const (
	VerdictUnknown  Verdict = 0
	VerdictContinue Verdict = 1
	VerdictSucceed  Verdict = 2
	VerdictDegrade  Verdict = 3
	VerdictAbort    Verdict = 4
	// VerdictStagnate is returned instead of VerdictContinue when the improvement over the stagnation window
	// stays below epsilon.
	VerdictStagnate Verdict = 5
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "CONTINUE"
	case VerdictSucceed:
		return "SUCCEED"
	case VerdictDegrade:
		return "DEGRADE"
	case VerdictAbort:
		return "ABORT"
	case VerdictStagnate:
		return "STAGNATE"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Evaluation is a verdict with a human readable reason.
type Evaluation struct {
	Verdict Verdict
	Reason  string
}

// QualityGateEvaluator decides, after each iteration, whether a workflow succeeded, should continue, is
// degrading, has stagnated or must abort. It reads the state and never mutates it.
type QualityGateEvaluator struct{}

func NewQualityGateEvaluator() *QualityGateEvaluator {
	return &QualityGateEvaluator{}
}

func (g *QualityGateEvaluator) Evaluate(state *WorkflowState) Evaluation {
	cfg := state.Config

	if state.AbortRequested {
		return Evaluation{Verdict: VerdictAbort, Reason: "operator requested abort"}
	}

	last, ok := state.LastRecord()
	if !ok {
		return Evaluation{Verdict: VerdictContinue, Reason: "no iterations yet"}
	}

	if last.Failed() {
		if cfg.FatalPolicy == FatalPolicyAbort || last.Retry {
			return Evaluation{
				Verdict: VerdictAbort,
				Reason:  fmt.Sprintf("stage %s failed fatally in iteration %d: %s", last.Failure.Stage, last.IterationNumber, last.Failure.Error),
			}
		}

		return Evaluation{
			Verdict: VerdictContinue,
			Reason:  fmt.Sprintf("stage %s failed, retrying iteration at escalated aggression", last.Failure.Stage),
		}
	}

	primary, ok := last.ScoreSet.Primary()
	if !ok {
		return Evaluation{Verdict: VerdictContinue, Reason: "no primary score"}
	}

	if primary <= cfg.TargetScore {
		unmet := unmetMinimums(last.ScoreSet, cfg.QualityMinimums)
		if len(unmet) == 0 {
			return Evaluation{
				Verdict: VerdictSucceed,
				Reason:  fmt.Sprintf("primary score %.2f reached target %.2f", primary, cfg.TargetScore),
			}
		}
	}

	if reason, degraded := degradation(state, last); degraded {
		return Evaluation{Verdict: VerdictDegrade, Reason: reason}
	}

	window := cfg.StagnationWindow
	if state.EscalationExhausted {
		window = 1
	}

	if stagnated(state.IterationHistory, window, cfg.StagnationEpsilon) {
		return Evaluation{
			Verdict: VerdictStagnate,
			Reason:  fmt.Sprintf("improvement below %.2f for %d iteration(s)", cfg.StagnationEpsilon, window),
		}
	}

	return Evaluation{Verdict: VerdictContinue, Reason: fmt.Sprintf("primary score %.2f above target %.2f", primary, cfg.TargetScore)}
}

// unmetMinimums returns the secondary metrics, in sorted order, that are missing or below their minimum.
func unmetMinimums(scores ScoreSet, minimums map[string]float64) []string {
	var unmet []string
	for metric, minimum := range minimums {
		v, ok := scores[metric]
		if !ok || v < minimum {
			unmet = append(unmet, metric)
		}
	}

	sort.Strings(unmet)
	return unmet
}

// degradation compares every secondary metric with a configured delta against its best value in the earlier
// scored iterations.
func degradation(state *WorkflowState, last IterationRecord) (string, bool) {
	metrics := make([]string, 0, len(state.Config.DegradeDeltas))
	for metric := range state.Config.DegradeDeltas {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		current, ok := last.ScoreSet[metric]
		if !ok {
			continue
		}

		best, seen := bestPrior(state.IterationHistory[:len(state.IterationHistory)-1], metric)
		if !seen {
			continue
		}

		delta := state.Config.DegradeDeltas[metric]
		if best-current > delta {
			return fmt.Sprintf("%s dropped from %.2f to %.2f, more than %.2f", metric, best, current, delta), true
		}
	}

	return "", false
}

func bestPrior(history []IterationRecord, metric string) (float64, bool) {
	var best float64
	var seen bool
	for _, rec := range history {
		if rec.Failed() {
			continue
		}

		v, ok := rec.ScoreSet[metric]
		if !ok {
			continue
		}

		if !seen || v > best {
			best = v
			seen = true
		}
	}

	return best, seen
}

// stagnated is true when each of the last window iterations completed with an improvement delta below epsilon.
func stagnated(history []IterationRecord, window int, epsilon float64) bool {
	if window < 1 || len(history) < window {
		return false
	}

	for _, rec := range history[len(history)-window:] {
		if rec.Failed() || rec.ImprovementDelta == nil {
			return false
		}

		if *rec.ImprovementDelta >= epsilon {
			return false
		}
	}

	return true
}
