package tool

import (
	"context"
	"fmt"
	"time"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

// Timeout applies a per-tool or default timeout. The tool's context is
// cancelled at the deadline and the call returns a TOOL_TIMEOUT error even if
// the tool ignores cancellation; its late result is discarded.
func Timeout(defaultTimeout time.Duration, perTool map[string]time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (string, error) {
			if ctx == nil {
				return next(ctx)
			}
			timeout := defaultTimeout
			if t, ok := perTool[ctx.ToolName]; ok {
				timeout = t
			}
			if timeout <= 0 {
				return next(ctx)
			}

			base := ctx.Context
			if base == nil {
				base = context.Background()
			}
			timeoutCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			ctx.Context = timeoutCtx

			type outcome struct {
				result string
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := next(ctx)
				done <- outcome{res, err}
			}()

			select {
			case out := <-done:
				return out.result, out.err
			case <-timeoutCtx.Done():
				if base.Err() != nil {
					return "", base.Err()
				}
				return "", qerrors.New(qerrors.ErrCodeToolTimeout,
					fmt.Sprintf("tool %s timed out after %v", ctx.ToolName, timeout))
			}
		}
	}
}
