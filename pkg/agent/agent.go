// Package agent runs the iterative research loop: ask the model what to do
// next, execute the requested tools, fold the results back in and finally
// write an answer from a bounded context.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/quarry/pkg/budget"
	"github.com/odvcencio/quarry/pkg/config"
	"github.com/odvcencio/quarry/pkg/cost"
	"github.com/odvcencio/quarry/pkg/encoding/toon"
	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/scratchpad"
	"github.com/odvcencio/quarry/pkg/storage"
	"github.com/odvcencio/quarry/pkg/telemetry"
	"github.com/odvcencio/quarry/pkg/tool"
	"github.com/odvcencio/quarry/pkg/toolrunner"
)

const defaultMaxIterations = 10

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// StoreOpener opens the result store for one query namespace.
type StoreOpener func(namespace string) (storage.ResultStore, error)

// Options configures an Agent. Client, Model and Registry are required.
type Options struct {
	Client   model.Client
	Model    string
	Registry *tool.Registry

	// FastModel serves summaries, goal checks and context selection. Empty
	// disables summaries and goal checks.
	FastModel string

	Mode          string
	MaxIterations int
	GoalCheck     bool
	// MaxTotalTokens ends tool iterations once usage reaches it; 0 disables.
	MaxTotalTokens int
	SystemPrompt   string

	Guard      toolrunner.GuardConfig
	Dispatcher *toolrunner.Dispatcher

	Estimator budget.Estimator
	// Budget overrides the answer-context manager. When nil the agent builds
	// one per run from AnswerBudget, Codec and the mode's strategy.
	Budget           *budget.Manager
	AnswerBudget     int
	Codec            *toon.Codec
	ContextThreshold int
	KeepRecent       int

	ScratchpadDir string
	OpenStore     StoreOpener

	Events telemetry.Publisher
	Logger *logging.Logger
}

// Request is one question to research.
type Request struct {
	Query string
	// PriorQueries are earlier questions in the same conversation.
	PriorQueries []string
	// RunID resumes an existing scratchpad when set.
	RunID string
}

// Result is the outcome of Run.
type Result struct {
	Answer         string               `json:"answer"`
	Status         Status               `json:"status"`
	ToolCalls      []telemetry.ToolCall `json:"toolCalls"`
	Iterations     int                  `json:"iterations"`
	TotalTime      time.Duration        `json:"totalTime"`
	Usage          cost.Usage           `json:"tokenUsage"`
	RunID          string               `json:"runId"`
	QueryHash      string               `json:"queryHash"`
	ScratchpadPath string               `json:"scratchpadPath"`
}

// Agent runs research queries. It is safe for concurrent use; every run owns
// its scratchpad, result store and guard.
type Agent struct {
	opts       Options
	dispatcher *toolrunner.Dispatcher
	budget     *budget.Manager
	est        budget.Estimator
	logger     *logging.Logger
}

// New validates opts and applies defaults.
func New(opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "agent requires a model client")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "agent requires a model")
	}
	if opts.Registry == nil {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "agent requires a tool registry")
	}
	if opts.ScratchpadDir == "" {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "agent requires a scratchpad directory")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	switch opts.Mode {
	case "":
		opts.Mode = config.ModeSummarize
	case config.ModeSummarize, config.ModeFull:
	default:
		return nil, qerrors.Newf(qerrors.ErrCodeConfigInvalid, "unknown agent mode %q", opts.Mode)
	}

	a := &Agent{opts: opts, logger: logging.OrNop(opts.Logger).Component("agent")}
	a.est = opts.Estimator
	if a.est == nil {
		a.est = budget.RatioEstimator{CharsPerToken: budget.DefaultCharsPerToken}
	}
	a.budget = opts.Budget
	if a.budget == nil {
		a.budget = budget.NewManager(budget.ManagerConfig{
			Estimator: a.est,
			Budget:    opts.AnswerBudget,
			Strategy:  a.defaultStrategy(),
			Codec:     opts.Codec,
			Logger:    opts.Logger,
		})
	}
	a.dispatcher = opts.Dispatcher
	if a.dispatcher == nil {
		a.dispatcher = toolrunner.NewDispatcher(opts.Registry,
			toolrunner.WithEvents(opts.Events),
			toolrunner.WithLogger(opts.Logger))
	}
	return a, nil
}

// defaultStrategy maps the mode to its over-budget answer strategy.
func (a *Agent) defaultStrategy() budget.Strategy {
	if a.opts.Mode == config.ModeSummarize && a.opts.FastModel != "" {
		return budget.SelectionStrategy{
			Estimator: a.est,
			Client:    a.opts.Client,
			Model:     a.opts.FastModel,
			Logger:    a.opts.Logger,
		}
	}
	return budget.EvictionStrategy{Estimator: a.est}
}

// run is the per-query state.
type run struct {
	agent   *Agent
	req     Request
	client  model.Client
	tracker *cost.Tracker
	pad     *scratchpad.Scratchpad
	store   storage.ResultStore
	guard   *toolrunner.Guard
	evictor *budget.Evictor
	logger  *logging.Logger
	start   time.Time
	system  string
	notices []string

	// manager shares the run's usage-tracking client when the agent owns it.
	manager *budget.Manager

	mu      sync.Mutex
	records []telemetry.ToolCall
}

// Run researches req.Query until the model answers, the iteration cap is
// reached, the loop guard fires or ctx is cancelled. Cancellation is not an
// error: the result carries StatusCancelled and no answer. A failing primary
// model call is returned as an error.
func (a *Agent) Run(ctx context.Context, req Request) (*Result, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "query is empty")
	}
	start := time.Now()

	pad, err := scratchpad.Open(scratchpad.Options{Dir: a.opts.ScratchpadDir, Query: req.Query, RunID: req.RunID})
	if err != nil {
		return nil, err
	}
	defer pad.Close()

	store, err := a.openStore(pad.QueryHash())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tracker := cost.NewTracker(a.opts.MaxTotalTokens)
	client := model.WithUsage(a.opts.Client, func(modelID string, u model.Usage) {
		tracker.Record(modelID, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	})

	r := &run{
		agent:   a,
		req:     req,
		client:  client,
		tracker: tracker,
		pad:     pad,
		store:   store,
		guard:   toolrunner.NewGuard(a.opts.Guard, pad),
		evictor: budget.NewEvictor(a.est, a.opts.ContextThreshold, a.opts.KeepRecent),
		logger:  a.logger.WithQuery(pad.RunID(), pad.QueryHash()),
		start:   start,
		system:  a.systemPrompt(start),
		manager: a.budget,
	}
	if a.opts.Budget == nil {
		r.manager = budget.NewManager(budget.ManagerConfig{
			Estimator: a.est,
			Budget:    a.budget.Budget(),
			Strategy:  r.answerStrategy(),
			Codec:     a.opts.Codec,
			Logger:    a.opts.Logger,
		})
	}
	if pad.Resumed() {
		r.records = toolCallsFromPad(pad)
	}

	ctx, span := telemetry.StartSpan(ctx, "agent.run",
		telemetry.AttrRunID.String(pad.RunID()),
		telemetry.AttrQueryHash.String(pad.QueryHash()))
	defer span.End()

	res, err := r.loop(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		telemetry.RecordRun(string(StatusFailed), 0)
		return nil, err
	}
	span.SetAttributes(telemetry.AttrStatus.String(string(res.Status)), attribute.Int("quarry.iterations", res.Iterations))
	telemetry.RecordRun(string(res.Status), res.Iterations)
	return res, nil
}

func (a *Agent) openStore(namespace string) (storage.ResultStore, error) {
	if a.opts.OpenStore != nil {
		return a.opts.OpenStore(namespace)
	}
	fs, err := storage.NewFileStore(filepath.Join(a.opts.ScratchpadDir, "results"), namespace)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// answerStrategy binds the selection strategy to the run's usage-tracking
// client so selection tokens count toward the run.
func (r *run) answerStrategy() budget.Strategy {
	s := r.agent.defaultStrategy()
	if sel, ok := s.(budget.SelectionStrategy); ok {
		sel.Client = r.client
		return sel
	}
	return s
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	a := r.agent
	first := r.pad.LastIteration() + 1
	iterations := 0
	aborted := false

iterate:
	for n := first; n <= a.opts.MaxIterations; n++ {
		if ctx.Err() != nil {
			return r.cancelled(iterations), nil
		}
		iterations++

		iterCtx, span := telemetry.StartSpan(ctx, "agent.iteration", telemetry.AttrIteration.Int(n))
		resp, err := r.client.ChatCompletion(iterCtx, model.ChatRequest{
			Model: a.opts.Model,
			Messages: []model.Message{
				{Role: "system", Content: r.system},
				{Role: "user", Content: r.iterationPrompt(n)},
			},
			Tools:      a.opts.Registry.Definitions(),
			ToolChoice: "auto",
		})
		if err != nil {
			span.End()
			if ctx.Err() != nil {
				return r.cancelled(iterations), nil
			}
			return nil, qerrors.Wrap(err, qerrors.ErrCodeModelAPIError, "primary model call failed").
				WithContext("iteration", n)
		}

		msg := resp.FirstMessage()
		thinking, content := model.ExtractThinkingContent(msg.Content)
		if len(msg.ToolCalls) == 0 {
			span.End()
			if !r.pad.HasToolResults() {
				return r.finish(ctx, strings.TrimSpace(content), StatusCompleted, iterations), nil
			}
			break iterate
		}

		if text := strings.TrimSpace(firstNonEmpty(content, thinking, msg.Reasoning)); text != "" {
			if err := r.pad.AddThinking(text, n); err != nil {
				span.End()
				return nil, err
			}
			r.publish(telemetry.Event{Type: telemetry.EventThinking, Iteration: n, Text: text})
		}

		calls := toolrunner.CallsFromModel(msg.ToolCalls)
		outcomes, derr := a.dispatcher.Dispatch(iterCtx, toolrunner.Request{
			Calls: calls,
			Guard: r.guard,
			Event: telemetry.Event{RunID: r.pad.RunID(), QueryHash: r.pad.QueryHash(), Iteration: n},
		})
		if err := r.record(iterCtx, outcomes, n); err != nil {
			span.End()
			return nil, err
		}
		span.End()

		if errors.Is(derr, toolrunner.ErrLoopDetected) {
			r.logger.Warn("loop guard fired; answering with gathered data", "iteration", n)
			aborted = true
			break iterate
		}
		if ctx.Err() != nil {
			return r.cancelled(iterations), nil
		}
		if a.opts.MaxTotalTokens > 0 && r.tracker.CheckBudget().ShouldStop {
			r.logger.Info("token budget reached; answering", "used", r.tracker.Snapshot().TotalTokens)
			break iterate
		}
		if a.opts.GoalCheck && r.goalMet(ctx) {
			r.logger.Debug("goal check satisfied", "iteration", n)
			break iterate
		}
	}

	if ctx.Err() != nil {
		return r.cancelled(iterations), nil
	}
	status := StatusCompleted
	if aborted {
		status = StatusAborted
	}
	answer, err := r.answer(ctx, aborted)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(iterations), nil
		}
		return nil, err
	}
	return r.finish(ctx, answer, status, iterations), nil
}

// iterationPrompt rebuilds the user message from the scratchpad's current
// state. Summarize mode shows summaries; full mode shows full results subject
// to threshold eviction.
func (r *run) iterationPrompt(n int) string {
	a := r.agent
	p := iterationPrompt{
		Query:        r.req.Query,
		PriorQueries: r.req.PriorQueries,
		Iteration:    n,
		Max:          a.opts.MaxIterations,
		Notices:      r.takeNotices(),
	}
	contexts := r.pad.GetFullContexts()
	if len(contexts) == 0 {
		return p.String()
	}
	items := itemsFromContexts(contexts, nil)

	if a.opts.Mode == config.ModeFull {
		items = r.manager.Prepare(items)
		ev := r.evictor.Apply(r.system, r.req.Query, items)
		if ev.Cleared > 0 {
			telemetry.RecordContextCleared(ev.Cleared)
			r.publish(telemetry.Event{Type: telemetry.EventContextCleared, Iteration: n, Cleared: ev.Cleared, Kept: ev.Kept})
		}
		p.Full = budget.FormatFull(ev.Visible)
		p.Summaries = budget.FormatSummaries(ev.Hidden)
		return p.String()
	}
	p.Summaries = strings.Join(prefixLines(r.pad.GetToolSummaries(), "- "), "\n")
	return p.String()
}

func (r *run) takeNotices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.notices
	r.notices = nil
	return n
}

func (r *run) addNotice(s string) {
	r.mu.Lock()
	r.notices = append(r.notices, s)
	r.mu.Unlock()
}

// record persists every executed outcome: full result to the store, summary
// from the fast model (or the deterministic description), then one
// scratchpad entry per call in request order. Skipped calls leave no trace.
func (r *run) record(ctx context.Context, outcomes []toolrunner.Outcome, iteration int) error {
	type pending struct {
		out     toolrunner.Outcome
		pointer storage.Pointer
	}
	var batch []pending
	for _, out := range outcomes {
		if out.Skipped {
			continue
		}
		if out.Warning != "" {
			r.addNotice(out.Warning)
		}
		p := pending{out: out, pointer: storage.Pointer{
			ToolName:    out.Call.Name,
			Args:        out.Call.Args,
			Description: storage.Describe(out.Call.Name, out.Call.Args),
		}}
		if !out.Failed() {
			ptr, err := r.store.Save(context.WithoutCancel(ctx), out.Call.Name, out.Call.Args, out.Result)
			if err != nil {
				return err
			}
			p.pointer = ptr
		} else if out.Blocked {
			r.addNotice(strings.TrimPrefix(out.Result, toolrunner.ErrorMarker))
		}
		batch = append(batch, p)
	}

	inputs := make([]summaryInput, len(batch))
	for i, p := range batch {
		inputs[i] = summaryInput{Tool: p.out.Call.Name, Args: p.out.Call.Args, Result: p.out.Result, Failed: p.out.Failed()}
	}
	summaries := r.summarize(ctx, inputs)

	for i, p := range batch {
		if err := r.pad.AddToolResult(scratchpad.ToolResultInput{
			Tool:        p.out.Call.Name,
			Args:        p.out.Call.Args,
			Result:      p.out.Result,
			Summary:     summaries[i],
			Description: p.pointer.Description,
			PointerID:   p.pointer.ID,
			RunOnceKey:  p.out.RunOnceKey,
			Failed:      p.out.Failed(),
			Iteration:   iteration,
		}); err != nil {
			return err
		}
		r.mu.Lock()
		r.records = append(r.records, telemetry.ToolCall{
			Tool:   p.out.Call.Name,
			Args:   p.out.Call.Args,
			Result: resultValue(p.out.Result),
		})
		r.mu.Unlock()
	}
	return nil
}

func (r *run) publish(e telemetry.Event) {
	if r.agent.opts.Events == nil {
		return
	}
	e.RunID = r.pad.RunID()
	e.QueryHash = r.pad.QueryHash()
	telemetry.Stamp(&e)
	r.agent.opts.Events.Publish(e)
}

func (r *run) result(answer string, status Status, iterations int) *Result {
	r.mu.Lock()
	calls := append([]telemetry.ToolCall(nil), r.records...)
	r.mu.Unlock()
	if calls == nil {
		calls = []telemetry.ToolCall{}
	}
	return &Result{
		Answer:         answer,
		Status:         status,
		ToolCalls:      calls,
		Iterations:     iterations,
		TotalTime:      time.Since(r.start),
		Usage:          r.tracker.Snapshot(),
		RunID:          r.pad.RunID(),
		QueryHash:      r.pad.QueryHash(),
		ScratchpadPath: r.pad.Path(),
	}
}

func (r *run) finish(ctx context.Context, answer string, status Status, iterations int) *Result {
	res := r.result(answer, status, iterations)
	usage := res.Usage
	r.publish(telemetry.Event{
		Type:       telemetry.EventDone,
		Answer:     res.Answer,
		Status:     string(res.Status),
		ToolCalls:  res.ToolCalls,
		Iterations: res.Iterations,
		TotalTime:  res.TotalTime,
		Usage:      &usage,
	})
	r.logger.Info("run finished",
		"status", status,
		"iterations", iterations,
		"tool_calls", len(res.ToolCalls),
		"tokens", usage.TotalTokens,
		"elapsed", res.TotalTime)
	return res
}

func (r *run) cancelled(iterations int) *Result {
	res := r.result("", StatusCancelled, iterations)
	usage := res.Usage
	r.publish(telemetry.Event{
		Type:       telemetry.EventDone,
		Status:     string(StatusCancelled),
		ToolCalls:  res.ToolCalls,
		Iterations: iterations,
		TotalTime:  res.TotalTime,
		Usage:      &usage,
	})
	r.logger.Info("run cancelled", "iterations", iterations)
	return res
}

func toolCallsFromPad(pad *scratchpad.Scratchpad) []telemetry.ToolCall {
	recs := pad.GetToolCallRecords()
	out := make([]telemetry.ToolCall, 0, len(recs))
	for _, rec := range recs {
		out = append(out, telemetry.ToolCall{Tool: rec.Tool, Args: rec.Args, Result: rec.Result})
	}
	return out
}

// itemsFromContexts converts scratchpad contexts to budget items, preferring
// hydrated full text keyed by pointer ID.
func itemsFromContexts(contexts []scratchpad.ToolContext, hydrated map[string]string) []budget.Item {
	items := make([]budget.Item, 0, len(contexts))
	for _, c := range contexts {
		full := c.Result
		if text, ok := hydrated[c.PointerID]; ok && c.PointerID != "" {
			full = text
		}
		items = append(items, budget.Item{
			ID:      c.EntryID,
			Tool:    c.Tool,
			Args:    c.Args,
			Full:    full,
			Summary: c.SummaryText(),
			Failed:  c.Failed,
		})
	}
	return items
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func prefixLines(lines []string, prefix string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = prefix + l
	}
	return out
}

// resultValue decodes JSON results for the done event.
func resultValue(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}
