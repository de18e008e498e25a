package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andrej220/logfleet/internal/tracker"
	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/andrej220/logfleet/pkg/persistence"
	"github.com/andrej220/logfleet/pkg/workerpool"
)

var errMemoryBackend = errors.New("task commands need a persistent store backend")

func newTaskCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and export recorded tasks",
	}

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print the step grid of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd.Context(), flags, func(ctx context.Context, tr *tracker.Tracker) error {
				d, err := tr.GetTaskDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, d)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <process-id>",
		Short: "List task summaries of a process, active first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			processID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid process id %q: %w", args[0], err)
			}
			return withTracker(cmd.Context(), flags, func(ctx context.Context, tr *tracker.Tracker) error {
				s, err := tr.GetProcessTaskSummaries(ctx, processID)
				if err != nil {
					return err
				}
				return printJSON(cmd, s)
			})
		},
	}

	var out string
	export := &cobra.Command{
		Use:   "export <task-id>",
		Short: "Write a task report with per-machine counts to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd.Context(), flags, func(ctx context.Context, tr *tracker.Tracker) error {
				r, err := taskReport(ctx, tr, args[0])
				if err != nil {
					return err
				}
				path := out
				if path == "" {
					path = "task-" + args[0] + ".json"
				}
				if err := persistence.WriteJSON(r, path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "output file (default task-<id>.json)")

	del := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Remove a task and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd.Context(), flags, func(ctx context.Context, tr *tracker.Tracker) error {
				return tr.DeleteTask(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(show, list, export, del)
	return cmd
}

type report struct {
	Detail   tracker.TaskDetail           `json:"detail"`
	Summary  tracker.TaskSummary          `json:"summary"`
	Machines map[int64]tracker.StepCounts `json:"machines"`
	ByKind   []tracker.KindSteps          `json:"by_kind"`
}

func taskReport(ctx context.Context, tr *tracker.Tracker, taskID string) (report, error) {
	var r report
	var err error
	if r.Detail, err = tr.GetTaskDetail(ctx, taskID); err != nil {
		return r, err
	}
	if r.Summary, err = tr.GetTaskSummary(ctx, taskID); err != nil {
		return r, err
	}
	if r.Machines, err = tr.GetTaskMachineStepStatusStats(ctx, taskID); err != nil {
		return r, err
	}
	r.ByKind, err = tr.GetTaskStepsGrouped(ctx, taskID)
	return r, err
}

func printJSON(cmd *cobra.Command, v any) error {
	return persistence.WriteJSONToFile(v, "stdout",
		persistence.JSONSerializer{Indent: "  "},
		persistence.StreamWriter{W: cmd.OutOrStdout()})
}

// withTracker opens the configured store read-side and runs fn against a
// tracker over it.
func withTracker(ctx context.Context, flags *rootFlags, fn func(context.Context, *tracker.Tracker) error) error {
	logger := flags.logger()
	defer logger.Sync()

	cfg, _, err := loadConfig(ctx, flags, logger)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "memory" {
		return errMemoryBackend
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	pool := workerpool.NewPool[string]("cli", 1, 1, logger)
	defer pool.Stop()
	return fn(lg.Attach(ctx, logger), tracker.New(st, pool, logger))
}
