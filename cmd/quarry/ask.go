package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/quarry/pkg/agent"
	"github.com/odvcencio/quarry/pkg/encoding/toon"
	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/scratchpad"
	"github.com/odvcencio/quarry/pkg/storage"
	"github.com/odvcencio/quarry/pkg/toolrunner"
)

type askOptions struct {
	mode          string
	resume        string
	maxIterations int
	goalCheck     bool
	natsURL       string
	prior         []string
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Research a question and print the answer",
		Example: `  quarry ask "How did ACME's Q3 revenue compare with guidance?"
  quarry ask --mode full --resume latest "How did ACME's Q3 revenue compare with guidance?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, flags, opts, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.mode, "mode", "", "context mode: summarize or full (default from config)")
	f.StringVar(&opts.resume, "resume", "", `resume a run by ID, or "latest" for the newest run of this question`)
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "cap on tool iterations (default from config)")
	f.BoolVar(&opts.goalCheck, "goal-check", false, "ask the fast model whether the question is answered before each iteration")
	f.StringVar(&opts.natsURL, "nats", "", "forward events to this NATS server")
	f.StringArrayVar(&opts.prior, "prior", nil, "an earlier question in the same conversation (repeatable)")
	return cmd
}

func runAsk(cmd *cobra.Command, flags *rootFlags, opts *askOptions, query string) (err error) {
	a, err := newApp(cmd, flags)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cfg := a.cfg
	if opts.mode != "" {
		cfg.Agent.Mode = opts.mode
	}
	if opts.maxIterations > 0 {
		cfg.Agent.MaxIterations = opts.maxIterations
	}
	if opts.goalCheck {
		cfg.Agent.GoalCheck = true
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(err, exitConfig)
	}

	client, err := a.modelClient()
	if err != nil {
		return err
	}
	registry, err := a.registry()
	if err != nil {
		return err
	}
	events, err := a.events(opts.natsURL)
	if err != nil {
		return err
	}
	if err := a.tracing(); err != nil {
		return err
	}

	runID, err := resolveRunID(a.scratchpadDir(), query, opts.resume)
	if err != nil {
		return err
	}

	ag, err := agent.New(agent.Options{
		Client:         client,
		Model:          cfg.Models.Primary,
		FastModel:      cfg.Models.Fast,
		Registry:       registry,
		Mode:           cfg.Agent.Mode,
		MaxIterations:  cfg.Agent.MaxIterations,
		GoalCheck:      cfg.Agent.GoalCheck,
		MaxTotalTokens: cfg.Agent.MaxTotalTokens,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		Guard:          a.guardConfig(),
		Dispatcher: toolrunner.NewDispatcher(registry,
			toolrunner.WithEvents(events),
			toolrunner.WithLogger(a.logger),
			toolrunner.WithMaxParallel(cfg.Tools.MaxParallel)),
		Estimator:        a.estimator(),
		AnswerBudget:     cfg.Budget.AnswerBudget,
		Codec:            toon.New(cfg.Budget.UseToon),
		ContextThreshold: cfg.Budget.ContextThreshold,
		KeepRecent:       cfg.Budget.KeepRecent,
		ScratchpadDir:    a.scratchpadDir(),
		OpenStore: func(namespace string) (storage.ResultStore, error) {
			return storage.Open(storage.Options{
				Backend:   cfg.Storage.Backend,
				Dir:       a.dataDir(),
				Namespace: namespace,
			})
		},
		Events: events,
		Logger: a.logger,
	})
	if err != nil {
		return withExitCode(err, exitConfig)
	}

	res, err := ag.Run(cmd.Context(), agent.Request{Query: query, PriorQueries: opts.prior, RunID: runID})
	if err != nil {
		return err
	}

	if flags.jsonOutput {
		if err := writeJSON(cmd, res); err != nil {
			return err
		}
	}

	switch res.Status {
	case agent.StatusAborted:
		if !flags.jsonOutput {
			a.out.Warn("research stopped early after repeated identical tool calls")
		}
	case agent.StatusCancelled:
		return withExitCode(fmt.Errorf("run %s cancelled; resume with --resume %s", res.RunID, res.RunID), exitCancelled)
	}
	return nil
}

// resolveRunID maps the --resume flag to a run ID. "latest" picks the newest
// run of the same question.
func resolveRunID(dir, query, resume string) (string, error) {
	resume = strings.TrimSpace(resume)
	if !strings.EqualFold(resume, "latest") {
		return resume, nil
	}
	run, ok, err := scratchpad.LatestRun(dir, query)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", qerrors.New(qerrors.ErrCodeInvalidInput, "no earlier run of this question to resume")
	}
	return run.RunID, nil
}
