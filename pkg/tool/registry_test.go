package tool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

func echoTool(name string) *Func {
	return &Func{
		ToolName:        name,
		ToolDescription: "echoes its query",
		Schema: ParameterSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"query": {Type: "string", Description: "text to echo"},
			},
			Required: []string{"query"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "echo:" + StringArg(args, "query"), nil
		},
	}
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	out, err := r.Execute(context.Background(), "echo", "call_0", map[string]any{"query": " hi "})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", out)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	err := r.Register(echoTool("echo"))
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeInvalidInput))
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "missing", "", nil)
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeToolNotFound))
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("zeta"))
	r.MustRegister(echoTool("alpha"))

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
	defs := r.Definitions()
	require.Len(t, defs, 2)
	fn := defs[0]["function"].(map[string]any)
	assert.Equal(t, "alpha", fn["name"])
	assert.Equal(t, "function", defs[0]["type"])
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Executor) Executor {
			return func(ctx *ExecutionContext) (string, error) {
				order = append(order, name+":before")
				res, err := next(ctx)
				order = append(order, name+":after")
				return res, err
			}
		}
	}

	r := NewRegistry()
	r.MustRegister(echoTool("echo"))
	r.Use(mark("outer"))
	r.Use(mark("inner"))

	_, err := r.Execute(context.Background(), "echo", "", map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, order)
}

func TestPanicRecovery(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Func{
		ToolName: "boom",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			panic("kaboom")
		},
	})
	r.Use(PanicRecovery())

	out, err := r.Execute(context.Background(), "boom", "", nil)
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, err.Error(), "tool boom panicked: kaboom")
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeToolExecution))
}

func TestTimeoutReturnsAtDeadline(t *testing.T) {
	var finished atomic.Bool
	r := NewRegistry()
	r.MustRegister(&Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			// Ignores ctx on purpose.
			time.Sleep(300 * time.Millisecond)
			finished.Store(true)
			return "late", nil
		},
	})
	r.Use(Timeout(20*time.Millisecond, nil))

	start := time.Now()
	_, err := r.Execute(context.Background(), "slow", "", nil)
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeToolTimeout))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.False(t, finished.Load())
}

func TestTimeoutPerToolOverride(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Func{
		ToolName: "wait",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	r.Use(Timeout(5*time.Millisecond, map[string]time.Duration{"wait": time.Second}))

	out, err := r.Execute(context.Background(), "wait", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestTimeoutParentCancellation(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Func{
		ToolName: "block",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	r.Use(Timeout(time.Second, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, "block", "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResultSizeLimit(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Func{
		ToolName: "big",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return strings.Repeat("a", 100), nil
		},
	})
	r.Use(ResultSizeLimit(20, "...[truncated]"))

	out, err := r.Execute(context.Background(), "big", "", nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 20)
	assert.True(t, strings.HasSuffix(out, "...[truncated]"))
}

func TestTruncateStringKeepsRunes(t *testing.T) {
	assert.Equal(t, "h", truncateString("héllo", 2, ""))
	assert.Equal(t, "hél", truncateString("héllo", 4, ""))
}

func TestQueryArgumentOf(t *testing.T) {
	assert.Equal(t, DefaultQueryArgument, QueryArgumentOf(echoTool("e")))
	assert.Equal(t, "url", QueryArgumentOf(&urlTool{}))
}

type urlTool struct{ Func }

func (urlTool) QueryArgument() string { return "url" }
