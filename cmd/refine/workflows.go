package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/luno/refine"
)

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpointed workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeFn, err := a.loadStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tITERATION\tLEVEL\tPRIMARY\tSTARTED")
			for _, s := range list {
				primary := "-"
				if v, ok := s.CurrentScores.Primary(); ok {
					primary = fmt.Sprintf("%.2f", v)
				}

				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n", s.WorkflowID, s.Status, s.CurrentIteration,
					s.MaxIterations, s.AggressionLevel, primary, s.StartedAt.Format(time.RFC3339))
			}

			return tw.Flush()
		},
	}
}

type showOutput struct {
	Summary       refine.Summary              `json:"summary"`
	ProcessingLog []refine.ProcessingLogEntry `json:"processing_log"`
	Injections    []refine.InjectionRecord    `json:"injections"`
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show the summary and processing log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeFn, err := a.loadStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			err = refine.ValidateWorkflowID(args[0])
			if err != nil {
				return err
			}

			state, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(showOutput{
				Summary:       state.Summary(),
				ProcessingLog: state.ProcessingLog(),
				Injections:    state.InjectionRecords,
			})
		},
	}
}

func (a *app) backupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups <workflow-id>",
		Short: "List the checkpoint backups of a workflow, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeFn, err := a.loadStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			err = refine.ValidateWorkflowID(args[0])
			if err != nil {
				return err
			}

			backups, err := store.ListBackups(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tITERATION\tSIZE\tTIMESTAMP")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", b.Name, b.Iteration, b.Size, b.Timestamp.Format(time.RFC3339Nano))
			}

			return tw.Flush()
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>...",
		Short: "Delete workflows and their backups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, closeFn, err := a.loadStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var deleted []string
			for _, id := range args {
				err := store.Delete(cmd.Context(), id)
				if err != nil {
					return err
				}

				deleted = append(deleted, id)
			}

			fmt.Fprintf(a.out, "deleted %s\n", strings.Join(deleted, ", "))
			return nil
		},
	}
}

func (a *app) diagramCmd() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Print a mermaid diagram of the configured pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.configPath)
			if err != nil {
				return err
			}

			err = cfg.validate()
			if err != nil {
				return err
			}

			orch, err := buildOrchestrator(cfg, pipelineDeps{stages: a.stages})
			if err != nil {
				return err
			}

			return refine.MermaidDiagram(orch, a.out, refine.MermaidDirection(strings.ToUpper(direction)))
		},
	}

	cmd.Flags().StringVar(&direction, "direction", string(refine.LeftToRightDirection), "diagram direction: LR, TB, RL or BT")
	return cmd
}
