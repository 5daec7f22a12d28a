// Command refine drives a document through a pipeline of external stages until its primary score reaches the
// target, progress stalls or the iteration budget runs out.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/luno/jettison/errors"
	"github.com/spf13/cobra"

	"github.com/luno/refine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, refine.NewRegistry(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// stages are the in-process stages a pipeline step can name instead of a command.
	stages *refine.Registry

	configPath string
	exitCode   int
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, stages *refine.Registry, args []string, in io.Reader, out, errOut io.Writer) int {
	a := &app{in: in, out: out, errOut: errOut, stages: stages}

	root := &cobra.Command{
		Use:           "refine",
		Short:         "Iteratively refine a document through a pipeline of stages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")

	root.AddCommand(
		a.runCmd(),
		a.listCmd(),
		a.showCmd(),
		a.backupsCmd(),
		a.deleteCmd(),
		a.diagramCmd(),
	)

	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		if errors.Is(err, refine.ErrInvalidConfig) || errors.Is(err, refine.ErrInvalidWorkflowID) {
			return refine.ExitInvalidConfig
		}

		return refine.ExitFailed
	}

	return a.exitCode
}

// loadStore loads the configuration and opens the store it names.
func (a *app) loadStore(ctx context.Context) (fileConfig, refine.CheckpointStore, func() error, error) {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fileConfig{}, nil, nil, err
	}

	store, closeFn, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fileConfig{}, nil, nil, err
	}

	return cfg, store, closeFn, nil
}
