package tool

import (
	"context"
	"time"
)

// ExecutionContext is one tool invocation as seen by middleware. Middleware
// may replace Context (deadlines) but must not mutate Args.
type ExecutionContext struct {
	Context   context.Context
	ToolName  string
	Tool      Tool
	CallID    string
	Args      map[string]any
	StartTime time.Time
}

// Executor runs an invocation.
type Executor func(call *ExecutionContext) (string, error)

// Middleware decorates an Executor.
type Middleware func(next Executor) Executor

// Chain composes mws so that mws[0] sees the call first and the result last.
func Chain(mws ...Middleware) Middleware {
	return func(final Executor) Executor {
		wrapped := final
		for i := range mws {
			wrapped = mws[len(mws)-1-i](wrapped)
		}
		return wrapped
	}
}
