package taskgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/telemetry"
	"github.com/odvcencio/quarry/pkg/tool"
	"github.com/odvcencio/quarry/pkg/toolrunner"
)

const (
	defaultMaxParallel = 4
	toolDataChars      = 4000
)

const useToolsSystemPrompt = `You are executing one step of a research plan. Call the tools needed to complete the step. Do not answer in prose unless no tool applies.`

const reasonSystemPrompt = `You are executing one reasoning step of a research plan. Use only the task outputs and tool data provided. Be concise and concrete.`

// FailedMarker stands in for the output of a failed dependency.
const FailedMarker = "[task failed]"

// ExecutorOptions configures an Executor. Client and Model are required for
// reason tasks and for use_tools tasks without planned calls.
type ExecutorOptions struct {
	Client      model.Client
	Model       string
	Registry    *tool.Registry
	Dispatcher  *toolrunner.Dispatcher
	Guard       toolrunner.GuardConfig
	MaxParallel int
	// Query gives every task the overall question as context.
	Query  string
	Events telemetry.Publisher
	Logger *logging.Logger
}

// Executor schedules tasks in dependency waves.
type Executor struct {
	opts       ExecutorOptions
	dispatcher *toolrunner.Dispatcher
	logger     *logging.Logger
}

// NewExecutor creates an executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}
	d := opts.Dispatcher
	if d == nil {
		d = toolrunner.NewDispatcher(opts.Registry,
			toolrunner.WithEvents(opts.Events),
			toolrunner.WithLogger(opts.Logger))
	}
	return &Executor{opts: opts, dispatcher: d, logger: logging.OrNop(opts.Logger).Component("taskgraph")}
}

// graphRun is the state of one Run call.
type graphRun struct {
	exec    *Executor
	tasks   map[string]Task
	order   []string
	guard   *toolrunner.Guard
	runID   string
	mu      sync.Mutex
	status  map[string]Status
	results map[string]TaskResult
	// toolData accumulates successful tool output across use_tools tasks.
	toolData []string
}

// Run executes tasks wave by wave. Each wave is every pending task whose
// dependencies are all completed or failed; a failed task still unblocks its
// dependents. Run stops when nothing is pending, or when pending tasks remain
// but none can become ready (cycle or unknown dependency); those tasks are
// logged and left out of the results. Only duplicate IDs and cancellation
// produce an error.
func (e *Executor) Run(ctx context.Context, tasks []Task) (map[string]TaskResult, error) {
	g := &graphRun{
		exec:    e,
		tasks:   make(map[string]Task, len(tasks)),
		guard:   toolrunner.NewGuard(e.opts.Guard, nil),
		runID:   strings.ToLower(ulid.Make().String()),
		status:  make(map[string]Status, len(tasks)),
		results: make(map[string]TaskResult, len(tasks)),
	}
	for _, t := range tasks {
		t = normalize(t)
		if t.ID == "" {
			return nil, qerrors.New(qerrors.ErrCodePlanInvalid, "task with empty id")
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, qerrors.Newf(qerrors.ErrCodePlanInvalid, "duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
		g.status[t.ID] = StatusPending
	}

	ctx, span := telemetry.StartSpan(ctx, "taskgraph.run")
	defer span.End()

	for wave := 1; ; wave++ {
		if err := ctx.Err(); err != nil {
			return g.snapshot(), err
		}
		ready := g.ready()
		if len(ready) == 0 {
			if pending := g.pending(); len(pending) > 0 {
				e.logger.Warn("tasks can never become ready; leaving them pending",
					"tasks", strings.Join(pending, ","))
			}
			break
		}
		e.logger.Debug("starting wave", "wave", wave, "tasks", strings.Join(ready, ","))

		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(e.opts.MaxParallel)
		for _, id := range ready {
			g.setStatus(id, StatusRunning)
			task := g.tasks[id]
			grp.Go(func() error {
				g.finish(g.execute(gctx, task))
				return nil
			})
		}
		_ = grp.Wait()
	}
	return g.snapshot(), nil
}

func (g *graphRun) ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, id := range g.order {
		if g.status[id] != StatusPending {
			continue
		}
		ok := true
		for _, dep := range g.tasks[id].DependsOn {
			if st, known := g.status[dep]; !known || !st.Terminal() {
				ok = false
				break
			}
		}
		if ok {
			g.status[id] = StatusReady
			out = append(out, id)
		}
	}
	return out
}

func (g *graphRun) pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, id := range g.order {
		if g.status[id] == StatusPending {
			out = append(out, id)
		}
	}
	return out
}

func (g *graphRun) setStatus(id string, s Status) {
	g.mu.Lock()
	g.status[id] = s
	g.mu.Unlock()
}

func (g *graphRun) finish(res TaskResult) {
	g.mu.Lock()
	g.status[res.ID] = res.Status
	g.results[res.ID] = res
	g.mu.Unlock()
	telemetry.RecordTask(string(res.Status))
	g.publish(telemetry.Event{
		Type:     telemetry.EventTaskEnd,
		TaskID:   res.ID,
		Status:   string(res.Status),
		Text:     res.Output,
		Error:    res.Error,
		Duration: res.Duration,
	})
}

func (g *graphRun) snapshot() map[string]TaskResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]TaskResult, len(g.results))
	for id, r := range g.results {
		out[id] = r
	}
	return out
}

func (g *graphRun) publish(e telemetry.Event) {
	if g.exec.opts.Events == nil {
		return
	}
	e.RunID = g.runID
	telemetry.Stamp(&e)
	g.exec.opts.Events.Publish(e)
}

func (g *graphRun) execute(ctx context.Context, task Task) TaskResult {
	start := time.Now()
	logger := g.exec.logger.WithTask(task.ID)
	ctx, span := telemetry.StartSpan(ctx, "taskgraph.task", telemetry.AttrTaskID.String(task.ID))
	defer span.End()
	g.publish(telemetry.Event{Type: telemetry.EventTaskStart, TaskID: task.ID, Text: task.Description})

	var res TaskResult
	var err error
	switch task.Kind {
	case KindUseTools:
		res, err = g.useTools(ctx, task)
	default:
		res, err = g.reason(ctx, task)
	}
	res.ID = task.ID
	res.Duration = time.Since(start)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.Warn("task failed", "error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusCompleted
	logger.Debug("task completed", "elapsed", res.Duration)
	return res
}

// useTools runs the task's planned calls, or asks the model once for calls
// when none are planned. The task fails only when every call failed.
func (g *graphRun) useTools(ctx context.Context, task Task) (TaskResult, error) {
	var calls []toolrunner.Call
	for _, pc := range task.ToolCalls {
		calls = append(calls, toolrunner.Call{ID: strings.ToLower(ulid.Make().String()), Name: pc.Tool, Args: pc.Args})
	}
	var res TaskResult
	if len(calls) == 0 {
		msg, err := g.askForCalls(ctx, task)
		if err != nil {
			return res, err
		}
		if len(msg.ToolCalls) == 0 {
			res.Output = strings.TrimSpace(msg.Content)
			return res, nil
		}
		calls = toolrunner.CallsFromModel(msg.ToolCalls)
	}

	outcomes, err := g.exec.dispatcher.Dispatch(ctx, toolrunner.Request{
		Calls: calls,
		Guard: g.guard,
		Event: telemetry.Event{RunID: g.runID, TaskID: task.ID},
	})
	var b strings.Builder
	failed := 0
	executed := 0
	for _, out := range outcomes {
		if out.Skipped {
			continue
		}
		executed++
		fmt.Fprintf(&b, "%s(%s): %s\n", out.Call.Name, tool.CanonicalArgs(out.Call.Args), out.Result)
		if out.Failed() {
			failed++
			res.FailedTools = append(res.FailedTools, out.Call.Name)
			continue
		}
		g.mu.Lock()
		g.toolData = append(g.toolData, fmt.Sprintf("%s(%s): %s", out.Call.Name, tool.CanonicalArgs(out.Call.Args), clip(out.Result, toolDataChars)))
		g.mu.Unlock()
	}
	res.ToolCalls = toolrunner.Records(outcomes)
	res.Output = strings.TrimSpace(b.String())
	if err != nil {
		return res, err
	}
	if executed > 0 && failed == executed {
		return res, qerrors.Newf(qerrors.ErrCodeTaskFailed, "all %d tool calls failed", failed).WithContext("task", task.ID)
	}
	return res, nil
}

func (g *graphRun) askForCalls(ctx context.Context, task Task) (model.Message, error) {
	opts := g.exec.opts
	if opts.Client == nil {
		return model.Message{}, qerrors.New(qerrors.ErrCodeConfigInvalid, "task has no planned calls and no model is configured")
	}
	resp, err := opts.Client.ChatCompletion(ctx, model.ChatRequest{
		Model: opts.Model,
		Messages: []model.Message{
			{Role: "system", Content: useToolsSystemPrompt},
			{Role: "user", Content: g.taskPrompt(task, false)},
		},
		Tools:      opts.Registry.Definitions(),
		ToolChoice: "auto",
	})
	if err != nil {
		return model.Message{}, qerrors.Wrap(err, qerrors.ErrCodeModelAPIError, "tool selection call failed")
	}
	return resp.FirstMessage(), nil
}

// reason calls the model with every completed task's output, markers for
// failed dependencies and the accumulated tool data.
func (g *graphRun) reason(ctx context.Context, task Task) (TaskResult, error) {
	opts := g.exec.opts
	if opts.Client == nil {
		return TaskResult{}, qerrors.New(qerrors.ErrCodeConfigInvalid, "reason task requires a model")
	}
	resp, err := opts.Client.ChatCompletion(ctx, model.ChatRequest{
		Model: opts.Model,
		Messages: []model.Message{
			{Role: "system", Content: reasonSystemPrompt},
			{Role: "user", Content: g.taskPrompt(task, true)},
		},
	})
	if err != nil {
		return TaskResult{}, qerrors.Wrap(err, qerrors.ErrCodeModelAPIError, "reasoning call failed")
	}
	_, content := model.ExtractThinkingContent(resp.FirstMessage().Content)
	return TaskResult{Output: strings.TrimSpace(content)}, nil
}

func (g *graphRun) taskPrompt(task Task, withContext bool) string {
	var b strings.Builder
	if q := strings.TrimSpace(g.exec.opts.Query); q != "" {
		fmt.Fprintf(&b, "Overall question: %s\n\n", q)
	}
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Description)
	if !withContext {
		return b.String()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	deps := make(map[string]bool, len(task.DependsOn))
	for _, d := range task.DependsOn {
		deps[d] = true
	}
	ids := make([]string, 0, len(g.results))
	for id := range g.results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var outputs strings.Builder
	for _, id := range ids {
		r := g.results[id]
		switch {
		case r.Status == StatusCompleted && r.Output != "":
			fmt.Fprintf(&outputs, "### %s\n%s\n\n", id, r.Output)
		case r.Status == StatusFailed && deps[id]:
			fmt.Fprintf(&outputs, "### %s\n%s %s\n\n", id, FailedMarker, r.Error)
		}
	}
	if outputs.Len() > 0 {
		b.WriteString("\n## Completed task outputs\n\n")
		b.WriteString(outputs.String())
	}
	if len(g.toolData) > 0 {
		b.WriteString("## Tool data\n\n")
		for _, line := range g.toolData {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
