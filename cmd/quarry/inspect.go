package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/scratchpad"
	"github.com/odvcencio/quarry/pkg/tool"
)

func newInspectCmd(flags *rootFlags) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "inspect [run-id | path]",
		Short: "List research runs or replay one run's scratchpad",
		Args:  cobra.MaximumNArgs(1),
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

			if len(args) == 0 {
				return listRuns(cmd, a)
			}
			path, err := findRun(a.scratchpadDir(), args[0])
			if err != nil {
				return err
			}
			entries, err := scratchpad.ReadLog(path)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd, entries)
			}
			printEntries(a, entries, full)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print full tool results instead of summaries")
	return cmd
}

func listRuns(cmd *cobra.Command, a *app) error {
	runs, err := scratchpad.ListRuns(a.scratchpadDir())
	if err != nil {
		return err
	}
	if a.flags.jsonOutput {
		return writeJSON(cmd, runs)
	}
	if len(runs) == 0 {
		a.out.Dim("no runs in %s", a.scratchpadDir())
		return nil
	}
	for _, r := range runs {
		a.out.Println("%s  %s  %s", r.RunID, r.QueryHash, r.ModTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// findRun resolves a run ID or a scratchpad path.
func findRun(dir, ref string) (string, error) {
	if strings.HasSuffix(ref, ".jsonl") {
		if _, err := os.Stat(ref); err == nil {
			return ref, nil
		}
	}
	runs, err := scratchpad.ListRuns(dir)
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		if r.RunID == ref {
			return r.Path, nil
		}
	}
	return "", qerrors.Newf(qerrors.ErrCodeInvalidInput, "no run %q in %s", ref, dir)
}

func printEntries(a *app, entries []scratchpad.Entry, full bool) {
	for _, e := range entries {
		switch e.Type {
		case scratchpad.EntryInit:
			a.out.Header(e.Query)
			a.out.Dim("started %s", e.Timestamp.Format("2006-01-02 15:04:05"))
		case scratchpad.EntryThinking:
			a.out.Dim("[%d] %s", e.Iteration, e.Text)
		case scratchpad.EntryToolResult:
			label := e.Tool + " " + tool.CanonicalArgs(e.Args)
			if e.Failed {
				a.out.Warn("[%d] %s failed: %s", e.Iteration, label, e.ResultString())
				continue
			}
			a.out.Info("[%d] %s", e.Iteration, label)
			if full {
				a.out.Println("%s", e.ResultString())
				continue
			}
			summary := e.Summary
			if strings.TrimSpace(summary) == "" {
				summary = e.Description
			}
			a.out.Println("    %s", summary)
		}
	}
}
