package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/taskgraph"
	"github.com/odvcencio/quarry/pkg/terminal"
	"github.com/odvcencio/quarry/pkg/toolrunner"
)

func newTasksCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Plan and run task graphs",
	}
	cmd.AddCommand(newTasksPlanCmd(flags), newTasksRunCmd(flags))
	return cmd
}

func newTasksPlanCmd(flags *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "plan <question>",
		Short: "Break a question into a dependency graph of tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			client, err := a.modelClient()
			if err != nil {
				return err
			}
			registry, err := a.registry()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			planner := taskgraph.Planner{Client: client, Model: a.cfg.Models.Primary, Registry: registry, Logger: a.logger}

			tasks, err := terminal.WithSpinner(cmd.ErrOrStderr(), a.interactive, "planning", func() ([]taskgraph.Task, error) {
				return planner.Plan(cmd.Context(), query)
			})
			if err != nil {
				return err
			}

			file := taskgraph.File{Query: query, Tasks: tasks}
			if output != "" {
				if err := taskgraph.WriteFile(output, file); err != nil {
					return err
				}
			}
			if flags.jsonOutput {
				return writeJSON(cmd, file)
			}
			for _, t := range tasks {
				a.out.Println("%s", t.String())
			}
			if output != "" {
				a.out.Success("wrote %d tasks to %s", len(tasks), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the plan to this YAML file")
	return cmd
}

func newTasksRunCmd(flags *rootFlags) *cobra.Command {
	var natsURL string
	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Execute a task file in dependency waves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			file, err := taskgraph.LoadFile(args[0])
			if err != nil {
				return err
			}
			registry, err := a.registry()
			if err != nil {
				return err
			}
			if err := taskgraph.Validate(file.Tasks, func(name string) bool {
				_, ok := registry.Get(name)
				return ok
			}); err != nil {
				return err
			}

			opts := taskgraph.ExecutorOptions{
				Model:       a.cfg.Models.Primary,
				Registry:    registry,
				Guard:       a.guardConfig(),
				MaxParallel: a.cfg.Tasks.MaxParallel,
				Query:       file.Query,
				Logger:      a.logger,
			}
			if needsModel(file.Tasks) {
				if opts.Client, err = a.modelClient(); err != nil {
					return err
				}
			}
			if opts.Events, err = a.events(natsURL); err != nil {
				return err
			}
			if err := a.tracing(); err != nil {
				return err
			}
			opts.Dispatcher = toolrunner.NewDispatcher(registry,
				toolrunner.WithEvents(opts.Events),
				toolrunner.WithLogger(a.logger),
				toolrunner.WithMaxParallel(a.cfg.Tools.MaxParallel))

			results, runErr := taskgraph.NewExecutor(opts).Run(cmd.Context(), file.Tasks)

			ordered := make([]taskgraph.TaskResult, 0, len(file.Tasks))
			var failed, pending []string
			for _, t := range file.Tasks {
				res, ok := results[t.ID]
				if !ok {
					pending = append(pending, t.ID)
					continue
				}
				ordered = append(ordered, res)
				if res.Status == taskgraph.StatusFailed {
					failed = append(failed, t.ID)
				}
			}

			if flags.jsonOutput {
				if err := writeJSON(cmd, ordered); err != nil {
					return err
				}
			} else {
				printTaskResults(a.out, ordered, pending)
			}

			if runErr != nil {
				return withExitCode(runErr, exitCancelled)
			}
			if len(failed) > 0 {
				return qerrors.Newf(qerrors.ErrCodeTaskFailed, "%d of %d tasks failed: %s",
					len(failed), len(file.Tasks), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "forward events to this NATS server")
	return cmd
}

// needsModel reports whether any task has to call the model.
func needsModel(tasks []taskgraph.Task) bool {
	for _, t := range tasks {
		if t.Kind != taskgraph.KindUseTools || len(t.ToolCalls) == 0 {
			return true
		}
	}
	return false
}

func printTaskResults(w *terminal.Writer, results []taskgraph.TaskResult, pending []string) {
	for _, res := range results {
		w.Header(fmt.Sprintf("%s (%s, %s)", res.ID, res.Status, res.Duration.Round(time.Millisecond)))
		if res.Error != "" {
			w.Warn("%s", res.Error)
		}
		if len(res.FailedTools) > 0 {
			w.Dim("failed tools: %s", strings.Join(res.FailedTools, ", "))
		}
		if strings.TrimSpace(res.Output) != "" {
			_ = w.Markdown(res.Output)
		}
	}
	if len(pending) > 0 {
		w.Warn("never ran (unmet or cyclic dependencies): %s", strings.Join(pending, ", "))
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
