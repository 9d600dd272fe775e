package taskgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/model/modeltest"
	"github.com/odvcencio/quarry/pkg/telemetry"
	"github.com/odvcencio/quarry/pkg/tool"
)

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) Publish(e telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types(taskID string) []telemetry.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []telemetry.EventType
	for _, e := range l.events {
		if e.TaskID == taskID && (e.Type == telemetry.EventTaskStart || e.Type == telemetry.EventTaskEnd) {
			out = append(out, e.Type)
		}
	}
	return out
}

func fn(name string, f func(ctx context.Context, args map[string]any) (string, error)) tool.Tool {
	return &tool.Func{ToolName: name, ToolDescription: name, Fn: f}
}

// A and B run in the same wave; C waits for both and still runs when A fails.
func TestExecutorWavesAndFailureUnblocks(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	bothStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(bothStarted)
	}()
	waitPeer := func() error {
		started.Done()
		select {
		case <-bothStarted:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer never started")
		}
	}

	reg := tool.NewRegistry()
	reg.MustRegister(fn("fetch_a", func(context.Context, map[string]any) (string, error) {
		if err := waitPeer(); err != nil {
			return "", err
		}
		return "", errors.New("source A unavailable")
	}))
	reg.MustRegister(fn("fetch_b", func(context.Context, map[string]any) (string, error) {
		if err := waitPeer(); err != nil {
			return "", err
		}
		return "B says 42", nil
	}))

	client := modeltest.NewScripted(modeltest.Text("Combined: 42, A missing."))
	events := &eventLog{}
	exec := NewExecutor(ExecutorOptions{
		Client:   client,
		Model:    "main",
		Registry: reg,
		Query:    "what is the number",
		Events:   events,
	})

	results, err := exec.Run(context.Background(), []Task{
		{ID: "A", Description: "fetch A", Kind: KindUseTools, ToolCalls: []PlannedCall{{Tool: "fetch_a"}}},
		{ID: "B", Description: "fetch B", Kind: KindUseTools, ToolCalls: []PlannedCall{{Tool: "fetch_b"}}},
		{ID: "C", Description: "combine", Kind: KindReason, DependsOn: []string{"A", "B"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, StatusFailed, results["A"].Status)
	assert.Equal(t, []string{"fetch_a"}, results["A"].FailedTools)
	assert.Equal(t, StatusCompleted, results["B"].Status)
	assert.Contains(t, results["B"].Output, "B says 42")
	assert.Equal(t, StatusCompleted, results["C"].Status)
	assert.Equal(t, "Combined: 42, A missing.", results["C"].Output)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[1].Content
	assert.Contains(t, prompt, "Overall question: what is the number")
	assert.Contains(t, prompt, FailedMarker)
	assert.Contains(t, prompt, "B says 42")

	assert.Equal(t, []telemetry.EventType{telemetry.EventTaskStart, telemetry.EventTaskEnd}, events.types("C"))
}

func TestExecutorLeavesCyclesPending(t *testing.T) {
	client := modeltest.NewScripted(modeltest.Text("z done"))
	exec := NewExecutor(ExecutorOptions{Client: client, Model: "main"})

	results, err := exec.Run(context.Background(), []Task{
		{ID: "x", Kind: KindReason, DependsOn: []string{"y"}},
		{ID: "y", Kind: KindReason, DependsOn: []string{"x"}},
		{ID: "z", Kind: KindReason},
		{ID: "orphan", Kind: KindReason, DependsOn: []string{"missing"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "z done", results["z"].Output)
}

func TestExecutorRejectsDuplicateIDs(t *testing.T) {
	_, err := NewExecutor(ExecutorOptions{}).Run(context.Background(), []Task{{ID: "a"}, {ID: "a"}})
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodePlanInvalid))
}

func TestUseToolsAsksModelWhenUnplanned(t *testing.T) {
	reg := tool.NewRegistry()
	reg.MustRegister(fn("lookup", func(_ context.Context, args map[string]any) (string, error) {
		return "found " + tool.StringArg(args, "query"), nil
	}))
	client := modeltest.NewScripted(
		modeltest.ToolCalls("", modeltest.Call{Name: "lookup", Args: map[string]any{"query": "rates"}}),
	)
	exec := NewExecutor(ExecutorOptions{Client: client, Model: "main", Registry: reg})

	results, err := exec.Run(context.Background(), []Task{{ID: "t1", Description: "look up rates", Kind: KindUseTools}})
	require.NoError(t, err)
	res := results["t1"]
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "found rates", res.ToolCalls[0].Result)
	assert.NotEmpty(t, client.Requests()[0].Tools)
}

func TestUseToolsPartialFailureCompletes(t *testing.T) {
	reg := tool.NewRegistry()
	reg.MustRegister(fn("good", func(context.Context, map[string]any) (string, error) { return "ok", nil }))
	reg.MustRegister(fn("bad", func(context.Context, map[string]any) (string, error) { return "", errors.New("nope") }))
	exec := NewExecutor(ExecutorOptions{Registry: reg})

	results, err := exec.Run(context.Background(), []Task{{
		ID:        "t1",
		Kind:      KindUseTools,
		ToolCalls: []PlannedCall{{Tool: "good"}, {Tool: "bad"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results["t1"].Status)
	assert.Equal(t, []string{"bad"}, results["t1"].FailedTools)
}

func TestReasonWithoutModelFails(t *testing.T) {
	results, err := NewExecutor(ExecutorOptions{}).Run(context.Background(), []Task{{ID: "r", Kind: KindReason}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results["r"].Status)
}

func TestExecutorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecutor(ExecutorOptions{}).Run(ctx, []Task{{ID: "a", Kind: KindReason}})
	assert.ErrorIs(t, err, context.Canceled)
}

func validPlan() map[string]any {
	return map[string]any{"tasks": []map[string]any{
		{"id": "t1", "description": "get data", "kind": "use_tools", "depends_on": []string{},
			"tool_calls": []map[string]any{{"tool": "lookup", "arguments": `{"query":"gdp"}`}}},
		{"id": "t2", "description": "summarize", "kind": "reason", "depends_on": []string{"t1"}, "tool_calls": []map[string]any{}},
	}}
}

func TestPlannerProducesValidatedTasks(t *testing.T) {
	reg := tool.NewRegistry()
	reg.MustRegister(fn("lookup", nil))
	client := modeltest.NewScripted(modeltest.JSON(validPlan()))

	tasks, err := Planner{Client: client, Model: "main", Registry: reg}.Plan(context.Background(), "gdp?")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, KindUseTools, tasks[0].Kind)
	assert.Equal(t, map[string]any{"query": "gdp"}, tasks[0].ToolCalls[0].Args)
	assert.Equal(t, []string{"t1"}, tasks[1].DependsOn)

	req := client.Requests()[0]
	require.NotNil(t, req.ResponseFormat)
	assert.Contains(t, req.Messages[1].Content, "- lookup:")
}

func TestPlannerRepairsInvalidPlan(t *testing.T) {
	reg := tool.NewRegistry()
	reg.MustRegister(fn("lookup", nil))
	bad := map[string]any{"tasks": []map[string]any{
		{"id": "t1", "description": "x", "kind": "reason", "depends_on": []string{"ghost"}, "tool_calls": []map[string]any{}},
	}}
	client := modeltest.NewScripted(modeltest.JSON(bad), modeltest.JSON(validPlan()))

	tasks, err := Planner{Client: client, Model: "main", Registry: reg}.Plan(context.Background(), "gdp?")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "ghost")
}

func TestPlannerGivesUpAfterRepair(t *testing.T) {
	client := modeltest.NewScripted(
		func(model.ChatRequest) (*model.ChatResponse, error) {
			return &model.ChatResponse{Choices: []model.Choice{{Message: model.Message{Content: "not json"}}}}, nil
		},
		modeltest.JSON(map[string]any{"tasks": []any{}}),
	)
	_, err := Planner{Client: client, Model: "main"}.Plan(context.Background(), "q")
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodePlanInvalid))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`query: compare rates
tasks:
  - id: fed
    description: fetch fed rate
    tool_calls:
      - tool: fetch_url
        args:
          url: https://example.com/fed
  - id: compare
    description: compare the rates
    depends_on: [fed]
`), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "compare rates", f.Query)
	require.Len(t, f.Tasks, 2)
	assert.Equal(t, KindUseTools, f.Tasks[0].Kind)
	assert.Equal(t, "https://example.com/fed", f.Tasks[0].ToolCalls[0].Args["url"])
	assert.Equal(t, KindReason, f.Tasks[1].Kind)

	out := filepath.Join(t.TempDir(), "copy.yaml")
	require.NoError(t, WriteFile(out, f))
	again, err := LoadFile(out)
	require.NoError(t, err)
	assert.Equal(t, f.Tasks[1].DependsOn, again.Tasks[1].DependsOn)
}

func TestLoadFileRejectsUnknownDependency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - id: a\n    depends_on: [b]\n"), 0o600))
	_, err := LoadFile(path)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodePlanInvalid))
}
