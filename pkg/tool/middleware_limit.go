package tool

import "unicode/utf8"

// ResultSizeLimit caps a tool's output at maxBytes so one oversized page
// cannot crowd the prompt. suffix marks the cut and counts toward the cap.
func ResultSizeLimit(maxBytes int, suffix string) Middleware {
	if maxBytes <= 0 {
		return func(next Executor) Executor { return next }
	}
	return func(next Executor) Executor {
		return func(call *ExecutionContext) (string, error) {
			out, err := next(call)
			return truncateString(out, maxBytes, suffix), err
		}
	}
}

// truncateString cuts s to at most max bytes on a rune boundary. The suffix
// is dropped when it alone would not fit.
func truncateString(s string, max int, suffix string) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - len(suffix)
	if cut <= 0 {
		cut, suffix = max, ""
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
