package terminal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/quarry/pkg/telemetry"
)

const argPreviewChars = 80

// Progress prints agent and task events as they happen. It implements
// telemetry.Publisher; answer chunks are streamed verbatim.
type Progress struct {
	w         *Writer
	verbose   bool
	streaming bool
}

// NewProgress creates a progress printer. verbose also prints thinking.
func NewProgress(w *Writer, verbose bool) *Progress {
	return &Progress{w: w, verbose: verbose}
}

// Publish implements telemetry.Publisher.
func (p *Progress) Publish(e telemetry.Event) {
	switch e.Type {
	case telemetry.EventThinking:
		if p.verbose && strings.TrimSpace(e.Text) != "" {
			p.w.Dim("  %s", firstLine(e.Text))
		}
	case telemetry.EventToolStart:
		p.w.Info("→ %s", callLabel(e.Tool, e.Args))
	case telemetry.EventToolEnd:
		p.w.Success("%s %s", e.Tool, p.w.styles.dim.Render(e.Duration.Round(time.Millisecond).String()))
	case telemetry.EventToolError:
		p.w.Warn("%s failed: %s", e.Tool, e.Error)
	case telemetry.EventToolLimit:
		if e.Level == telemetry.LimitBlocked {
			p.w.Warn("%s blocked: %s", e.Tool, e.Text)
		} else {
			p.w.Dim("  %s: %s", e.Tool, e.Text)
		}
	case telemetry.EventContextCleared:
		p.w.Dim("  context: cleared %d results, kept %d", e.Cleared, e.Kept)
	case telemetry.EventContextSelected:
		p.w.Dim("  context: selected %d results for the answer", e.Kept)
	case telemetry.EventTaskStart:
		p.w.Info("▸ task %s", e.TaskID)
	case telemetry.EventTaskEnd:
		if e.Status == "completed" {
			p.w.Success("task %s", e.TaskID)
		} else {
			p.w.Warn("task %s %s: %s", e.TaskID, e.Status, e.Error)
		}
	case telemetry.EventAnswerStart:
		p.w.Divider()
		p.streaming = true
	case telemetry.EventAnswerChunk:
		p.w.Stream(e.Text)
	case telemetry.EventDone:
		if p.streaming {
			p.w.StreamEnd()
			p.streaming = false
		} else if strings.TrimSpace(e.Answer) != "" {
			p.w.Divider()
			_ = p.w.Markdown(e.Answer)
		}
		p.w.Divider()
		p.w.Dim("%s", DoneSummary(e))
	}
}

// DoneSummary is the one-line footer for a finished run.
func DoneSummary(e telemetry.Event) string {
	parts := []string{
		e.Status,
		fmt.Sprintf("%d iterations", e.Iterations),
		fmt.Sprintf("%d tool calls", len(e.ToolCalls)),
		e.TotalTime.Round(time.Millisecond).String(),
	}
	if e.Usage != nil {
		parts = append(parts, fmt.Sprintf("%d tokens (%d in / %d out)",
			e.Usage.TotalTokens, e.Usage.InputTokens, e.Usage.OutputTokens))
	}
	return strings.Join(parts, " · ")
}

func callLabel(tool string, args map[string]any) string {
	if len(args) == 0 {
		return tool + "()"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, args[k]))
	}
	label := strings.Join(pairs, ", ")
	if r := []rune(label); len(r) > argPreviewChars {
		label = string(r[:argPreviewChars]) + "…"
	}
	return tool + "(" + label + ")"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
