package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Model errors
	ErrCodeModelAPIError  ErrorCode = "MODEL_API_ERROR"
	ErrCodeModelTimeout   ErrorCode = "MODEL_TIMEOUT"
	ErrCodeModelRateLimit ErrorCode = "MODEL_RATE_LIMIT"
	ErrCodeModelParse     ErrorCode = "MODEL_PARSE"

	// Storage errors
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageCorrupt ErrorCode = "STORAGE_CORRUPT"

	// Tool errors
	ErrCodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeToolExecution ErrorCode = "TOOL_EXECUTION"
	ErrCodeToolTimeout   ErrorCode = "TOOL_TIMEOUT"
	ErrCodeToolBlocked   ErrorCode = "TOOL_BLOCKED"
	ErrCodeLoopDetected  ErrorCode = "LOOP_DETECTED"

	// Task graph errors
	ErrCodePlanInvalid ErrorCode = "PLAN_INVALID"
	ErrCodeTaskFailed  ErrorCode = "TASK_FAILED"

	// Budget errors
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured quarry error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Stack      []Frame
	Retryable  bool
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a structured error. The caller's stack is captured.
func New(code ErrorCode, message string) *Error {
	return build(code, message, nil)
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches a code and message to err. Wrap(nil, ...) is nil so call
// sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return build(code, message, err)
}

func build(code ErrorCode, message string, underlying error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]any),
		Stack:      captureStack(3),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface. Context keys are printed sorted.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteByte('}')
	}
	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace formats the captured stack, one frame per two lines.
func (e *Error) StackTrace() string {
	var sb strings.Builder
	sb.WriteString("Stack trace:\n")
	for i, f := range e.Stack {
		fmt.Fprintf(&sb, "  %d. %s\n     %s:%d\n", i+1, f.Function, f.File, f.Line)
	}
	return sb.String()
}

const maxStackDepth = 32

// captureStack records up to maxStackDepth frames, skipping skip callers.
func captureStack(skip int) []Frame {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

// As finds the first structured error in err's chain.
func As(err error) (*Error, bool) {
	var qerr *Error
	if stderrors.As(err, &qerr) {
		return qerr, true
	}
	return nil, false
}

// IsCode checks if any error in the chain has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var qerr *Error
	for stderrors.As(err, &qerr) {
		if qerr.Code == code {
			return true
		}
		if qerr.Underlying == nil {
			return false
		}
		err = qerr.Underlying
	}
	return false
}

// GetCode extracts the outermost error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	qerr, ok := As(err)
	if !ok {
		return ErrCodeInternal
	}
	return qerr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	qerr, ok := As(err)
	return ok && qerr.Retryable
}
