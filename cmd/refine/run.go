package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/spf13/cobra"

	"github.com/luno/refine"
)

type runFlags struct {
	input      string
	output     string
	resume     string
	report     string
	accessible bool
	debug      bool

	maxIterations       int
	targetScore         float64
	aggressionStart     string
	enableInjection     bool
	injectionIterations []int
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a new workflow or resume an interrupted one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "-", "document to refine, - reads stdin")
	fl.StringVarP(&f.output, "output", "o", "-", "where to write the final text, - writes stdout")
	fl.StringVar(&f.resume, "resume", "", "resume the workflow with this id from its checkpoint")
	fl.StringVar(&f.report, "report", "", "write the error report as JSON to this file")
	fl.BoolVar(&f.accessible, "accessible", false, "use plain prompts for injection pauses")
	fl.BoolVar(&f.debug, "debug", false, "log debug output")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "maximum number of iterations")
	fl.Float64Var(&f.targetScore, "target-score", 0, "primary score at or below which the workflow succeeds")
	fl.StringVar(&f.aggressionStart, "aggression-start", "", "starting aggression level, by name or number")
	fl.BoolVar(&f.enableInjection, "enable-injection", false, "pause for operator input at injection points")
	fl.IntSliceVar(&f.injectionIterations, "injection-iterations", nil, "iterations after which to pause for input")

	return cmd
}

// applyFlags overrides the loaded configuration with the flags that were set.
func applyFlags(cmd *cobra.Command, f runFlags, cfg *fileConfig) error {
	fl := cmd.Flags()

	if fl.Changed("max-iterations") {
		cfg.Workflow.MaxIterations = f.maxIterations
	}

	if fl.Changed("target-score") {
		cfg.Workflow.TargetScore = f.targetScore
	}

	if fl.Changed("aggression-start") {
		l, err := refine.ParseLevel(f.aggressionStart)
		if err != nil {
			return errors.Wrap(refine.ErrInvalidConfig, err.Error())
		}

		cfg.Workflow.AggressionStart = l
	}

	if fl.Changed("enable-injection") {
		cfg.Workflow.InjectionEnabled = f.enableInjection
	}

	if fl.Changed("injection-iterations") {
		cfg.Workflow.InjectionIterations = f.injectionIterations
	}

	if fl.Changed("debug") {
		cfg.Debug = f.debug
	}

	return nil
}

func (a *app) run(cmd *cobra.Command, f runFlags) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}

	err = applyFlags(cmd, f, &cfg)
	if err != nil {
		return err
	}

	err = cfg.validate()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, closePublisher := newPublisher(cfg.Events)
	defer closePublisher()

	deps := pipelineDeps{
		store:     store,
		publisher: publisher,
		stages:    a.stages,
		debug:     cfg.Debug,
	}

	// A resumed workflow keeps its own Config, so injection is wired whenever an operator could be needed.
	if cfg.Workflow.InjectionEnabled || f.resume != "" {
		deps.operator = newOperator(a.in, a.errOut, f.accessible)
	}

	orch, err := buildOrchestrator(cfg, deps)
	if err != nil {
		return err
	}

	var state *refine.WorkflowState
	if f.resume != "" {
		state, err = orch.Resume(ctx, f.resume)
		if errors.Is(err, refine.ErrWorkflowTerminal) {
			fmt.Fprintf(a.errOut, "workflow %s already finished with status %s\n", state.ID, state.Status)
			a.exitCode = exitCodeFor(state.Status)
			return nil
		} else if err != nil {
			return err
		}
	} else {
		text, err := readInput(a.in, f.input)
		if err != nil {
			return err
		}

		state, err = orch.NewState(text, cfg.Workflow)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(a.errOut, "workflow %s: pipeline %s (%s)\n", state.ID, orch.Name(), strings.Join(orch.Stages(), ", "))

	res := orch.Run(ctx, state)

	err = writeOutput(a.out, f.output, res.FinalText)
	if err != nil {
		return err
	}

	printResult(a.errOut, res)

	if f.report != "" {
		err = writeReport(f.report, res.ErrorReport())
		if err != nil {
			return err
		}
	}

	a.exitCode = res.ExitCode()
	return nil
}

func exitCodeFor(s refine.Status) int {
	return refine.WorkflowResult{Status: s}.ExitCode()
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)

	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}

	if err != nil {
		return "", errors.Wrap(refine.ErrInvalidConfig, err.Error(), j.MKV{"input": path})
	}

	return string(b), nil
}

func writeOutput(stdout io.Writer, path, text string) error {
	if path == "-" {
		_, err := io.WriteString(stdout, text)
		return err
	}

	return os.WriteFile(path, []byte(text), 0o644)
}

func writeReport(path string, rep refine.ErrorReport) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, b, 0o644)
}

func printResult(w io.Writer, res refine.WorkflowResult) {
	fmt.Fprintf(w, "workflow %s finished: %s after %d iterations at level %s\n",
		res.WorkflowID, res.Status, res.Iterations, res.AggressionLevel)

	if res.Reason != "" {
		fmt.Fprintf(w, "reason: %s\n", res.Reason)
	}

	if len(res.FinalScores) > 0 {
		keys := make([]string, 0, len(res.FinalScores))
		for k := range res.FinalScores {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.2f", k, res.FinalScores[k]))
		}

		fmt.Fprintf(w, "scores: %s\n", strings.Join(parts, " "))
	}

	if res.TokenUsage.TotalTokens > 0 {
		fmt.Fprintf(w, "tokens: %d\n", res.TokenUsage.TotalTokens)
	}

	if res.Err != nil {
		fmt.Fprintf(w, "error: %v\n", res.Err)
	}
}
