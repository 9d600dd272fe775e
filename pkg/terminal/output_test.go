package terminal

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/quarry/pkg/cost"
	"github.com/odvcencio/quarry/pkg/telemetry"
)

func TestWriterPrintln(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf)

	w.Println("Hello %s", "World")
	if got := buf.String(); got != "Hello World\n" {
		t.Errorf("Println = %q, want 'Hello World\\n'", got)
	}
}

func TestWriterStyledLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf)

	w.Error("something went wrong")
	w.Warn("be careful")
	w.Success("it worked")
	w.Info("FYI")

	got := buf.String()
	for _, want := range []string{"error: something went wrong", "warning: be careful", "✓ it worked", "FYI"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q, got %q", want, got)
		}
	}
}

func TestWriterStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf)

	w.Stream("Hello")
	w.Stream(" ")
	w.Stream("World")
	w.StreamEnd()

	if got := buf.String(); got != "Hello World\n" {
		t.Errorf("Stream = %q, want 'Hello World\\n'", got)
	}
}

func TestWriterMarkdown(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf)

	if err := w.Markdown("# Revenue\n\nRevenue rose **12%**."); err != nil {
		t.Fatalf("Markdown error: %v", err)
	}
	if !strings.Contains(buf.String(), "12%") {
		t.Errorf("Markdown lost content, got %q", buf.String())
	}
}

func TestWriterMarkdownPlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	DisableColor()
	w := NewWithOutput(&buf)

	if err := w.Markdown("Revenue grew 12 percent."); err != nil {
		t.Fatalf("Markdown error: %v", err)
	}
	got := buf.String()
	if strings.Contains(got, "\x1b[") {
		t.Errorf("Markdown wrote ANSI escapes to a non-terminal: %q", got)
	}
	if !strings.Contains(got, "Revenue grew 12 percent.") {
		t.Errorf("Markdown split the text, got %q", got)
	}
}

func TestWriterHeaderAndDivider(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf)

	w.Header("release (completed, 1.2s)")
	w.Divider()
	got := buf.String()
	if !strings.Contains(got, "release (completed, 1.2s)") {
		t.Errorf("Header missing title, got %q", got)
	}
	if !strings.Contains(got, strings.Repeat("─", dividerWidth)) {
		t.Errorf("Divider missing rule, got %q", got)
	}
}

func TestGetTerminalWidth(t *testing.T) {
	width := getTerminalWidth()
	if width < 40 || width > 500 {
		t.Errorf("getTerminalWidth() = %d, expected 40-500 range", width)
	}
}

func TestProgressRendersRun(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(NewWithOutput(&buf), false)

	p.Publish(telemetry.Event{Type: telemetry.EventThinking, Text: "hidden unless verbose"})
	p.Publish(telemetry.Event{Type: telemetry.EventToolStart, Tool: "fetch_url", Args: map[string]any{"url": "https://acme.test"}})
	p.Publish(telemetry.Event{Type: telemetry.EventToolEnd, Tool: "fetch_url", Duration: 120 * time.Millisecond})
	p.Publish(telemetry.Event{Type: telemetry.EventToolError, Tool: "search", Error: "timeout"})
	p.Publish(telemetry.Event{Type: telemetry.EventAnswerStart})
	p.Publish(telemetry.Event{Type: telemetry.EventAnswerChunk, Text: "Revenue "})
	p.Publish(telemetry.Event{Type: telemetry.EventAnswerChunk, Text: "rose."})
	p.Publish(telemetry.Event{
		Type:       telemetry.EventDone,
		Status:     "completed",
		Iterations: 2,
		ToolCalls:  []telemetry.ToolCall{{Tool: "fetch_url"}},
		TotalTime:  2 * time.Second,
		Usage:      &cost.Usage{InputTokens: 60, OutputTokens: 30, TotalTokens: 90},
	})

	got := buf.String()
	if strings.Contains(got, "hidden unless verbose") {
		t.Errorf("thinking printed without verbose: %q", got)
	}
	for _, want := range []string{
		"→ fetch_url(url=https://acme.test)",
		"✓ fetch_url",
		"search failed: timeout",
		"Revenue rose.\n",
		"completed · 2 iterations · 1 tool calls · 2s · 90 tokens (60 in / 30 out)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("progress missing %q, got %q", want, got)
		}
	}
}

func TestProgressVerboseThinking(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(NewWithOutput(&buf), true)

	p.Publish(telemetry.Event{Type: telemetry.EventThinking, Text: "check the filing\nthen the call"})
	if !strings.Contains(buf.String(), "check the filing …") {
		t.Errorf("verbose thinking not printed, got %q", buf.String())
	}
}

func TestCallLabelTruncates(t *testing.T) {
	label := callLabel("search", map[string]any{"query": strings.Repeat("x", 200)})
	if !strings.HasSuffix(label, "…)") {
		t.Errorf("long label not truncated: %q", label)
	}
	if got := callLabel("list", nil); got != "list()" {
		t.Errorf("callLabel(nil) = %q", got)
	}
}

func TestSpinnerStartStop(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&buf, "planning")

	if s.Elapsed() != 0 {
		t.Error("Elapsed should be 0 before start")
	}
	s.Start()
	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	s.Stop()

	got := buf.String()
	if !strings.Contains(got, "planning") {
		t.Errorf("spinner never drew its message, got %q", got)
	}
	if !strings.HasSuffix(got, "\r\033[K") {
		t.Errorf("Stop should clear the line, got %q", got)
	}
}

func TestWithSpinnerPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	n, err := WithSpinner(&buf, false, "planning", func() (int, error) { return 3, nil })
	if err != nil || n != 3 {
		t.Fatalf("WithSpinner = %d, %v", n, err)
	}
	if buf.Len() != 0 {
		t.Errorf("non-animated spinner wrote %q", buf.String())
	}
}
