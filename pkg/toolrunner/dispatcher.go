package toolrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/telemetry"
	"github.com/odvcencio/quarry/pkg/tool"
)

const defaultMaxParallel = 8

// ErrorMarker prefixes the recorded result of every failed call.
const ErrorMarker = "Error: "

// ErrLoopDetected is returned by Dispatch when the loop guard refuses a call.
var ErrLoopDetected = errors.New("tool loop detected")

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
	// ArgsErr is set when the model's argument payload could not be parsed.
	ArgsErr error
}

// Failure is a tool error converted into a value.
type Failure struct {
	Tool string
	Err  error
}

func (f *Failure) Error() string {
	if f == nil || f.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", f.Tool, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Outcome is the result of one requested call, in request order.
type Outcome struct {
	Call Call
	// Result is the text to record. Failed and blocked calls carry
	// ErrorMarker followed by the error message.
	Result   string
	Failure  *Failure
	Skipped  bool
	Blocked  bool
	Warning  string
	Duration time.Duration
	// RunOnceKey is set for run-once calls that executed.
	RunOnceKey string
}

// Failed reports whether the call produced a failure result.
func (o Outcome) Failed() bool {
	return o.Failure != nil
}

// Executed reports whether the tool body actually ran.
func (o Outcome) Executed() bool {
	return !o.Skipped && !o.Blocked
}

// Request bundles one turn of calls with its per-query guard.
type Request struct {
	Calls []Call
	Guard *Guard
	// Event is the template for emitted events; RunID, QueryHash, TaskID and
	// Iteration are copied from it.
	Event telemetry.Event
}

// Dispatcher admits and concurrently executes tool calls.
type Dispatcher struct {
	registry    *tool.Registry
	events      telemetry.Publisher
	logger      *logging.Logger
	maxParallel int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEvents sets the publisher for tool_* events.
func WithEvents(p telemetry.Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMaxParallel bounds concurrent tool executions.
func WithMaxParallel(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *tool.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		maxParallel: defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger).Component("toolrunner")
	return d
}

// Dispatch admits req.Calls in request order, executes the admitted ones
// concurrently and returns one Outcome per admitted-or-refused call in
// request order. When the loop guard fires, the calls before the looping one
// still run and Dispatch returns their outcomes with ErrLoopDetected.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]Outcome, error) {
	guard := req.Guard
	if guard == nil {
		guard = NewGuard(GuardConfig{}, nil)
	}

	outcomes := make([]Outcome, 0, len(req.Calls))
	var runnable []int
	var loopErr error

	for _, call := range req.Calls {
		out := Outcome{Call: call}
		if call.ArgsErr != nil {
			out.Failure = &Failure{Tool: call.Name, Err: fmt.Errorf("invalid arguments: %w", call.ArgsErr)}
			out.Result = ErrorMarker + out.Failure.Err.Error()
			outcomes = append(outcomes, out)
			metricCalls.WithLabelValues(call.Name, "failed").Inc()
			d.emitError(req.Event, out)
			continue
		}

		t, _ := d.registry.Get(call.Name)
		adm := guard.Admit(t, call.Name, call.Args)
		switch adm.Verdict {
		case Skip:
			out.Skipped = true
			metricCalls.WithLabelValues(call.Name, "skipped").Inc()
			d.logger.Debug("skipping run-once tool", "tool", call.Name, "key", adm.RunOnceKey)
		case Block:
			out.Blocked = true
			out.Failure = &Failure{Tool: call.Name, Err: qerrors.New(qerrors.ErrCodeToolBlocked, adm.Reason)}
			out.Result = ErrorMarker + adm.Reason
			metricCalls.WithLabelValues(call.Name, "blocked").Inc()
			d.emitLimit(req.Event, call, telemetry.LimitBlocked, adm.Reason)
		case Loop:
			metricCalls.WithLabelValues(call.Name, "loop").Inc()
			d.logger.Warn("loop guard tripped", "tool", call.Name, "reason", adm.Reason)
			loopErr = qerrors.Wrap(ErrLoopDetected, qerrors.ErrCodeLoopDetected, adm.Reason).
				WithContext("tool", call.Name)
		default:
			out.Warning = adm.Warning
			out.RunOnceKey = adm.RunOnceKey
			if adm.Warning != "" {
				d.emitLimit(req.Event, call, telemetry.LimitWarning, adm.Warning)
			}
			runnable = append(runnable, len(outcomes))
		}
		if loopErr != nil {
			break
		}
		outcomes = append(outcomes, out)
	}

	d.execute(ctx, guard, req.Event, outcomes, runnable)
	return outcomes, loopErr
}

func (d *Dispatcher) execute(ctx context.Context, guard *Guard, tmpl telemetry.Event, outcomes []Outcome, runnable []int) {
	if len(runnable) == 0 {
		return
	}
	if len(runnable) == 1 {
		idx := runnable[0]
		d.executeOne(ctx, guard, tmpl, &outcomes[idx])
		return
	}

	sem := make(chan struct{}, d.maxParallel)
	var wg sync.WaitGroup
	for _, idx := range runnable {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			d.executeOne(ctx, guard, tmpl, &outcomes[idx])
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) executeOne(ctx context.Context, guard *Guard, tmpl telemetry.Event, out *Outcome) {
	call := out.Call
	d.publish(tmpl, telemetry.Event{Type: telemetry.EventToolStart, Tool: call.Name, Args: call.Args})

	start := time.Now()
	result, err := d.run(ctx, call)
	out.Duration = time.Since(start)
	metricDuration.WithLabelValues(call.Name).Observe(out.Duration.Seconds())

	if err != nil {
		out.Failure = &Failure{Tool: call.Name, Err: err}
		out.Result = ErrorMarker + err.Error()
		guard.Forget(out.RunOnceKey)
		metricCalls.WithLabelValues(call.Name, "failed").Inc()
		d.logger.Warn("tool failed", "tool", call.Name, "error", err)
		d.emitError(tmpl, *out)
		return
	}
	out.Result = result
	metricCalls.WithLabelValues(call.Name, "ok").Inc()
	d.publish(tmpl, telemetry.Event{
		Type:     telemetry.EventToolEnd,
		Tool:     call.Name,
		Args:     call.Args,
		Text:     result,
		Duration: out.Duration,
	})
}

// run executes one call, converting panics that escape the middleware chain.
func (d *Dispatcher) run(ctx context.Context, call Call) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return d.registry.Execute(ctx, call.Name, call.ID, call.Args)
}

func (d *Dispatcher) emitError(tmpl telemetry.Event, out Outcome) {
	msg := strings.TrimPrefix(out.Result, ErrorMarker)
	d.publish(tmpl, telemetry.Event{
		Type:     telemetry.EventToolError,
		Tool:     out.Call.Name,
		Args:     out.Call.Args,
		Error:    msg,
		Duration: out.Duration,
	})
}

func (d *Dispatcher) emitLimit(tmpl telemetry.Event, call Call, level, msg string) {
	d.publish(tmpl, telemetry.Event{
		Type:  telemetry.EventToolLimit,
		Tool:  call.Name,
		Args:  call.Args,
		Level: level,
		Text:  msg,
	})
}

func (d *Dispatcher) publish(tmpl telemetry.Event, e telemetry.Event) {
	if d.events == nil {
		return
	}
	e.RunID = tmpl.RunID
	e.QueryHash = tmpl.QueryHash
	e.TaskID = tmpl.TaskID
	e.Iteration = tmpl.Iteration
	telemetry.Stamp(&e)
	d.events.Publish(e)
}

// CallsFromModel converts model tool calls into dispatcher calls.
func CallsFromModel(calls []model.ToolCall) []Call {
	out := make([]Call, 0, len(calls))
	for _, tc := range calls {
		call := Call{ID: tc.ID, Name: tc.Function.Name, Args: map[string]any{}}
		raw := strings.TrimSpace(tc.Function.Arguments)
		if raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
				call.ArgsErr = err
			}
			if call.Args == nil {
				call.Args = map[string]any{}
			}
		}
		out = append(out, call)
	}
	return out
}

// Records converts executed outcomes to done-event tool calls. Skipped calls
// are omitted.
func Records(outcomes []Outcome) []telemetry.ToolCall {
	out := make([]telemetry.ToolCall, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		out = append(out, telemetry.ToolCall{Tool: o.Call.Name, Args: o.Call.Args, Result: o.Result})
	}
	return out
}
