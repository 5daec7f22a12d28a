package refine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/luno/refine/internal/errorcounter"
	"github.com/luno/refine/internal/metrics"
)

type pipelineStage struct {
	stage Stage
	opts  stageOptions
}

// pipelineStep is either a single sequential stage or a named parallel group.
type pipelineStep struct {
	group  string
	stages []pipelineStage
}

// Orchestrator drives one WorkflowState at a time through the pipeline until it reaches a terminal status.
// It is safe to run different workflows on the same Orchestrator concurrently.
type Orchestrator struct {
	name        string
	steps       []pipelineStep
	store       CheckpointStore
	clock       clock.Clock
	logger      *logger
	retry       *RetryExecutor
	gate        *QualityGateEvaluator
	injection   *InjectionPointManager
	operator    Operator
	sections    SectionDetector
	publisher   EventPublisher
	hooks       map[Status][]StatusHookFunc
	maxParallel int
	failures    *errorcounter.Counter
}

func (o *Orchestrator) Name() string {
	return o.name
}

// Stages returns the stage names in pipeline order.
func (o *Orchestrator) Stages() []string {
	var names []string
	for _, step := range o.steps {
		for _, s := range step.stages {
			names = append(names, s.stage.Name())
		}
	}

	return names
}

// NewState creates a new workflow for text. Invalid configuration is rejected before any stage runs.
func (o *Orchestrator) NewState(text string, cfg Config) (*WorkflowState, error) {
	return NewWorkflowState(text, cfg, o.clock)
}

// Resume loads a workflow from its latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*WorkflowState, error) {
	err := ValidateWorkflowID(id)
	if err != nil {
		return nil, err
	}

	state, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if state.Terminal() {
		return state, errors.Wrap(ErrWorkflowTerminal, "", j.MKV{
			"workflow_id": id,
			"status":      state.Status.String(),
		})
	}

	return state, nil
}

// Run drives state until it reaches a terminal status and returns the outcome. Run never panics. Stage,
// checkpoint and cancellation failures are reported on the result.
func (o *Orchestrator) Run(ctx context.Context, state *WorkflowState) WorkflowResult {
	if state == nil {
		return WorkflowResult{Err: errors.Wrap(ErrInvalidConfig, "nil workflow state")}
	}

	if state.Terminal() {
		return newResult(state, errors.Wrap(ErrWorkflowTerminal, "", j.MKV{
			"workflow_id": state.ID,
			"status":      state.Status.String(),
		}))
	}

	err := state.Config.Validate()
	if err != nil {
		return newResult(state, err)
	}

	o.logger.maybeDebug(ctx, "starting workflow", mergeMeta(state.Config.meta(), map[string]string{
		"workflow_id": state.ID,
		"pipeline":    o.name,
		"iteration":   strconv.Itoa(state.CurrentIteration),
	}))

	err = o.save(ctx, state, false)
	if err != nil {
		return newResult(state, o.fail(ctx, state, err))
	}

	if state.PendingInjection != nil {
		err = o.advance(ctx, state)
		if err != nil {
			return newResult(state, o.handle(ctx, state, err))
		}
	}

	for !state.Terminal() {
		if ctx.Err() != nil {
			return newResult(state, o.cancel(ctx, state))
		}

		if state.CurrentIteration >= state.Config.MaxIterations {
			err = o.terminate(ctx, state, StatusMaxIterationsReached, "max iterations reached")
			return newResult(state, err)
		}

		err = o.iterate(ctx, state)
		if err != nil {
			return newResult(state, o.handle(ctx, state, err))
		}
	}

	if state.Status == StatusAborted && state.AbortRequested {
		return newResult(state, errors.Wrap(ErrOperatorAbort, "", j.MKV{
			"workflow_id": state.ID,
			"iteration":   state.CurrentIteration,
		}))
	}

	return newResult(state, nil)
}

// errCancelled is returned internally when cancellation is noticed at a stage boundary.
var errCancelled = errors.New("cancelled at stage boundary", j.C("ERR_3a6f1c9e0d4b7258"))

func (o *Orchestrator) handle(ctx context.Context, state *WorkflowState, err error) error {
	if errors.Is(err, errCancelled) {
		return o.cancel(ctx, state)
	}

	return o.fail(ctx, state, err)
}

// iterate runs one pass through the pipeline and acts on the quality gate's verdict.
func (o *Orchestrator) iterate(ctx context.Context, state *WorkflowState) error {
	n := state.CurrentIteration + 1

	last, hasLast := state.LastRecord()
	rec := IterationRecord{
		IterationNumber:     n,
		AggressionLevelUsed: state.AggressionLevel,
		StageOutputs:        []StageOutput{},
		ScoreSet:            ScoreSet{},
		Retry:               hasLast && last.Failed() && !last.Retry,
		TimestampStart:      o.clock.Now().UTC(),
	}

	text, failure, cancelled := o.execute(ctx, state, &rec)
	if cancelled || (failure != nil && ctx.Err() != nil) {
		// Nothing of a partially run iteration is kept.
		return errCancelled
	}

	if failure != nil {
		failure.Occurrences = o.failures.Add(state.ID, failure.Stage)
		rec.Failure = failure
		rec.ScoreSet = ScoreSet{}
		o.logger.Error(ctx, errors.Wrap(ErrStageFailed, failure.Error, j.MKV{
			"workflow_id": state.ID,
			"iteration":   n,
			"stage":       failure.Stage,
		}))
	} else {
		state.CurrentText = text
		state.TextIteration = n
		o.scoreDelta(ctx, state, &rec)
	}

	rec.TimestampEnd = o.clock.Now().UTC()
	state.appendRecord(rec)

	iterationStatus := "completed"
	if rec.Failed() {
		iterationStatus = "failed"
	}
	metrics.Iterations.WithLabelValues(o.name, iterationStatus).Inc()

	o.logger.maybeDebug(ctx, "iteration completed", map[string]string{
		"workflow_id": state.ID,
		"iteration":   strconv.Itoa(n),
		"aggression":  rec.AggressionLevelUsed.String(),
		"status":      iterationStatus,
		"scores":      formatScores(rec.ScoreSet),
	})

	var (
		to     Status
		reason string
		err    error
	)

	_, hasPrimary := rec.ScoreSet.Primary()
	if !rec.Failed() && !hasPrimary {
		to = StatusFailed
		reason = "no primary score reported in iteration " + strconv.Itoa(n)
		err = errors.Wrap(ErrMissingPrimaryScore, "", j.MKV{"workflow_id": state.ID, "iteration": n})
	} else {
		to, reason = o.verdict(state)
	}

	if to.Terminal() {
		terr := state.transition(to, reason, rec.TimestampEnd)
		if terr != nil {
			return terr
		}

		state.FinalScores = finalScores(state)
	}

	saveErr := o.save(ctx, state, true)
	if saveErr != nil {
		return saveErr
	}

	o.publish(ctx, newEvent(EventIterationCompleted, o.name, state, rec.TimestampEnd))
	if state.Terminal() {
		o.finish(ctx, state)
		return err
	}

	return o.advance(ctx, state)
}

// verdict evaluates the quality gate for the just appended record and returns the status to move to. A
// non-terminal status means the workflow continues.
func (o *Orchestrator) verdict(state *WorkflowState) (Status, string) {
	eval := o.gate.Evaluate(state)
	last, _ := state.LastRecord()

	if eval.Verdict != VerdictDegrade && !last.Failed() {
		updateBest(state, last)
	}

	switch eval.Verdict {
	case VerdictAbort:
		return StatusAborted, eval.Reason
	case VerdictSucceed:
		return StatusSucceeded, eval.Reason
	case VerdictDegrade:
		reason := eval.Reason
		if state.Best != nil {
			state.CurrentText = state.Best.Text
			state.TextIteration = state.Best.Iteration
			reason = fmt.Sprintf("%s; reverted to iteration %d", reason, state.Best.Iteration)
		}

		return StatusStagnated, reason
	case VerdictStagnate:
		return StatusStagnated, eval.Reason
	}

	if state.CurrentIteration >= state.Config.MaxIterations {
		return StatusMaxIterationsReached, fmt.Sprintf("max iterations (%d) reached: %s", state.Config.MaxIterations, eval.Reason)
	}

	return StatusRunning, eval.Reason
}

// advance runs the steps that follow a checkpointed, non-terminal iteration: the injection pause when one is
// due and the aggression decision for the next iteration.
func (o *Orchestrator) advance(ctx context.Context, state *WorkflowState) error {
	last, _ := state.LastRecord()

	if state.PendingInjection != nil || (!last.Failed() && state.Config.injectionDue(state.CurrentIteration)) {
		err := o.inject(ctx, state)
		if err != nil {
			return err
		}

		if state.AbortRequested {
			eval := o.gate.Evaluate(state)
			return o.terminate(ctx, state, StatusAborted, eval.Reason)
		}
	}

	controller := NewAggressionController(state.Config.EscalationThreshold)

	var e Escalation
	if last.Failed() && !last.Retry {
		// A failed iteration is retried once at the next level.
		e = controller.escalate(state)
	} else {
		e = controller.MaybeEscalate(state)
	}

	metrics.AggressionLevel.WithLabelValues(o.name).Set(float64(state.AggressionLevel))
	if e.Escalated || e.Exhausted {
		o.logger.maybeDebug(ctx, "aggression escalation", map[string]string{
			"workflow_id": state.ID,
			"from":        e.From.String(),
			"to":          e.To.String(),
			"exhausted":   strconv.FormatBool(e.Exhausted),
		})
	}

	state.UpdatedAt = o.clock.Now().UTC()
	return o.save(ctx, state, false)
}

// terminate moves a running workflow to a terminal status outside of the quality gate and checkpoints it.
func (o *Orchestrator) terminate(ctx context.Context, state *WorkflowState, to Status, reason string) error {
	err := state.transition(to, reason, o.clock.Now().UTC())
	if err != nil {
		return err
	}

	state.FinalScores = finalScores(state)
	err = o.save(ctx, state, true)
	if err != nil {
		return err
	}

	o.finish(ctx, state)
	return nil
}

// cancel ends the workflow as ABORTED after cancellation. The checkpoint holds the last fully completed
// iteration.
func (o *Orchestrator) cancel(ctx context.Context, state *WorkflowState) error {
	o.logger.maybeDebug(ctx, "workflow cancelled", map[string]string{
		"workflow_id": state.ID,
		"iteration":   strconv.Itoa(state.CurrentIteration),
	})

	if !state.Terminal() {
		err := o.terminate(ctx, state, StatusAborted, "cancelled")
		if err != nil {
			return o.fail(ctx, state, err)
		}
	}

	return errors.Wrap(ErrCancelled, "", j.MKV{"workflow_id": state.ID})
}

// fail marks the workflow FAILED unless it already reached a terminal status and returns err.
func (o *Orchestrator) fail(ctx context.Context, state *WorkflowState, err error) error {
	o.logger.Error(ctx, errors.Wrap(err, "workflow failed", j.MKV{"workflow_id": state.ID}))

	if state.Terminal() {
		return err
	}

	terr := state.transition(StatusFailed, err.Error(), o.clock.Now().UTC())
	if terr != nil {
		return err
	}

	state.FinalScores = finalScores(state)
	serr := o.save(ctx, state, true)
	if serr != nil {
		o.logger.Error(ctx, serr)
	}

	o.finish(ctx, state)
	return err
}

// finish runs once per workflow when it reaches a terminal status.
func (o *Orchestrator) finish(ctx context.Context, state *WorkflowState) {
	metrics.Outcomes.WithLabelValues(o.name, state.Status.String()).Inc()
	o.failures.ClearPrefix(state.ID)

	o.logger.maybeDebug(ctx, "workflow finished", map[string]string{
		"workflow_id": state.ID,
		"status":      state.Status.String(),
		"reason":      state.Reason,
		"iterations":  strconv.Itoa(state.CurrentIteration),
	})

	o.publish(ctx, newEvent(EventStatusChanged, o.name, state, o.clock.Now().UTC()))
	o.runHooks(ctx, state)
}

// save checkpoints state. Saves are never cancelled so that a cancelled run still persists its last
// completed iteration.
func (o *Orchestrator) save(ctx context.Context, state *WorkflowState, backup bool) error {
	err := o.store.Save(context.WithoutCancel(ctx), state, backup)
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues(o.name, "error").Inc()
		return errors.Wrap(ErrCheckpointSave, err.Error(), j.MKV{
			"workflow_id": state.ID,
			"backup":      backup,
		})
	}

	metrics.CheckpointWrites.WithLabelValues(o.name, "success").Inc()
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, e Event) {
	err := o.publisher.Publish(context.WithoutCancel(ctx), e)
	if err != nil {
		o.logger.Error(ctx, errors.Wrap(err, "publish event", j.MKV{
			"workflow_id": e.WorkflowID,
			"type":        string(e.Type),
		}))
	}
}

// execute runs every pipeline step for one iteration on a copy of the document. The returned text only
// replaces the current text when no stage failed.
func (o *Orchestrator) execute(ctx context.Context, state *WorkflowState, rec *IterationRecord) (string, *StageFailure, bool) {
	text := state.CurrentText
	prior := ScoreSet{}
	if last, ok := state.LastScored(); ok {
		prior = last.ScoreSet.Clone()
	}

	for _, step := range o.steps {
		if ctx.Err() != nil {
			return "", nil, true
		}

		req := Request{
			Text:           text,
			SectionContext: o.sections.Detect(text),
			PriorScores:    mergeScores(prior, rec.ScoreSet),
			Config: RequestConfig{
				WorkflowID:      state.ID,
				Iteration:       rec.IterationNumber,
				AggressionLevel: rec.AggressionLevelUsed,
				Aggression:      rec.AggressionLevelUsed.String(),
			},
		}

		var failure *StageFailure
		if step.group == "" {
			text, failure = o.runSequential(ctx, state.Config, step.stages[0], req, rec)
		} else {
			failure = o.runGroup(ctx, state.Config, step, req, rec)
		}

		if failure != nil {
			return "", failure, false
		}
	}

	return text, nil, false
}

func (o *Orchestrator) runSequential(ctx context.Context, cfg Config, ps pipelineStage, req Request, rec *IterationRecord) (string, *StageFailure) {
	name := ps.stage.Name()
	exec, err := o.retry.Execute(ctx, ps.stage, req, ps.opts.policy(cfg, name))
	out := StageOutput{
		Stage:      name,
		Attempts:   exec.Attempts,
		DurationMs: exec.Duration.Milliseconds(),
	}

	if err != nil {
		out.Error = err.Error()
		rec.StageOutputs = append(rec.StageOutputs, out)
		return "", &StageFailure{Stage: name, Error: err.Error(), Attempts: exec.Attempts}
	}

	text := req.Text
	if !ps.opts.scoreOnly && exec.Response.Data.OutputText != "" {
		text = exec.Response.Data.OutputText
	}

	out.OutputLength = len(text)
	out.Scores = exec.Response.Data.Scores.Clone()
	rec.StageOutputs = append(rec.StageOutputs, out)
	rec.ScoreSet = mergeScores(rec.ScoreSet, exec.Response.Data.Scores)
	rec.TokenUsage.Add(exec.Response.Metadata.TokenUsage)

	return text, nil
}

type groupResult struct {
	exec Execution
	err  error
}

// runGroup fans the group out on a bounded pool and waits for every stage to finish or time out before
// merging results in declared order.
func (o *Orchestrator) runGroup(ctx context.Context, cfg Config, step pipelineStep, req Request, rec *IterationRecord) *StageFailure {
	results := make([]groupResult, len(step.stages))

	limit := len(step.stages)
	if o.maxParallel > 0 && o.maxParallel < limit {
		limit = o.maxParallel
	}

	var eg errgroup.Group
	eg.SetLimit(limit)
	for i, ps := range step.stages {
		stageReq := req
		stageReq.PriorScores = req.PriorScores.Clone()

		eg.Go(func() error {
			exec, err := o.retry.Execute(ctx, ps.stage, stageReq, ps.opts.policy(cfg, ps.stage.Name()))
			results[i] = groupResult{exec: exec, err: err}
			return nil
		})
	}

	_ = eg.Wait()

	var failure *StageFailure
	for i, ps := range step.stages {
		res := results[i]
		out := StageOutput{
			Stage:        ps.stage.Name(),
			Group:        step.group,
			OutputLength: len(req.Text),
			Attempts:     res.exec.Attempts,
			DurationMs:   res.exec.Duration.Milliseconds(),
		}

		if res.err != nil {
			out.Error = res.err.Error()
			if failure == nil {
				failure = &StageFailure{
					Stage:    ps.stage.Name(),
					Error:    fmt.Sprintf("parallel group %s: %v", step.group, res.err),
					Attempts: res.exec.Attempts,
				}
			}
		} else {
			out.Scores = res.exec.Response.Data.Scores.Clone()
			rec.ScoreSet = mergeScores(rec.ScoreSet, res.exec.Response.Data.Scores)
			rec.TokenUsage.Add(res.exec.Response.Metadata.TokenUsage)
		}

		rec.StageOutputs = append(rec.StageOutputs, out)
	}

	return failure
}

// scoreDelta sets the improvement delta against the last scored iteration and records an anomaly warning when
// the primary score rose sharply.
func (o *Orchestrator) scoreDelta(ctx context.Context, state *WorkflowState, rec *IterationRecord) {
	current, ok := rec.ScoreSet.Primary()
	if !ok {
		return
	}

	prev, ok := state.LastScored()
	if !ok {
		return
	}

	previous, ok := prev.ScoreSet.Primary()
	if !ok {
		return
	}

	delta := previous - current
	rec.ImprovementDelta = &delta

	if -delta > state.Config.AnomalyThreshold {
		warning := fmt.Sprintf("primary score rose from %.2f to %.2f", previous, current)
		rec.Warnings = append(rec.Warnings, warning)
		o.logger.maybeDebug(ctx, "score anomaly", map[string]string{
			"workflow_id": state.ID,
			"iteration":   strconv.Itoa(rec.IterationNumber),
			"warning":     warning,
		})
	}
}

func updateBest(state *WorkflowState, rec IterationRecord) {
	primary, ok := rec.ScoreSet.Primary()
	if !ok {
		return
	}

	if state.Best != nil {
		best, _ := state.Best.Scores.Primary()
		if best <= primary {
			return
		}
	}

	state.Best = &Snapshot{
		Iteration: rec.IterationNumber,
		Text:      state.CurrentText,
		Scores:    rec.ScoreSet.Clone(),
	}
}

// finalScores are the scores of the text the workflow ended with.
func finalScores(state *WorkflowState) ScoreSet {
	if state.Best != nil && state.TextIteration == state.Best.Iteration {
		return state.Best.Scores.Clone()
	}

	last, ok := state.LastScored()
	if !ok {
		return ScoreSet{}
	}

	return last.ScoreSet.Clone()
}

func mergeScores(sets ...ScoreSet) ScoreSet {
	merged := ScoreSet{}
	for _, s := range sets {
		for k, v := range s {
			merged[k] = v
		}
	}

	return merged
}

func mergeMeta(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}

	return merged
}

func formatScores(s ScoreSet) string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(s[k], 'f', 2, 64))
	}

	return strings.Join(parts, ",")
}
