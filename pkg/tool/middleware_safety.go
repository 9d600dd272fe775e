package tool

import (
	"fmt"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

// PanicRecovery turns a panicking tool into a TOOL_EXECUTION failure so one
// bad tool cannot take down its siblings in a batch. The error is built while
// the panic unwinds, so its stack still includes the panic site.
func PanicRecovery() Middleware {
	return func(next Executor) Executor {
		return func(call *ExecutionContext) (out string, err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				name := "unknown"
				if call != nil && call.ToolName != "" {
					name = call.ToolName
				}
				out = ""
				err = qerrors.New(qerrors.ErrCodeToolExecution, fmt.Sprintf("tool %s panicked: %v", name, r)).
					WithContext("tool", name)
			}()
			return next(call)
		}
	}
}
