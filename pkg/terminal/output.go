// Package terminal renders research progress and answers: styled status
// lines, streamed answer text and markdown. No TUI framework, just print and
// stream.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const (
	defaultWidth = 80
	maxWrap      = 100
	dividerWidth = 60
)

// palette holds one style per kind of status line.
type palette struct {
	err, warn, ok, info, dim, header lipgloss.Style
}

func adaptive(light, dark string) lipgloss.AdaptiveColor {
	return lipgloss.AdaptiveColor{Light: light, Dark: dark}
}

func defaultPalette() palette {
	return palette{
		err:  lipgloss.NewStyle().Foreground(adaptive("#D00000", "#FF5555")).Bold(true),
		warn: lipgloss.NewStyle().Foreground(adaptive("#B8860B", "#FFAA00")),
		ok:   lipgloss.NewStyle().Foreground(adaptive("#008000", "#55FF55")),
		info: lipgloss.NewStyle().Foreground(adaptive("#0066CC", "#5599FF")),
		dim:  lipgloss.NewStyle().Foreground(adaptive("#666666", "#888888")),
		header: lipgloss.NewStyle().
			Foreground(adaptive("#333333", "#FFFFFF")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(adaptive("#CCCCCC", "#444444")),
	}
}

// Writer serializes styled lines, markdown and streamed text onto one
// io.Writer. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	md     *glamour.TermRenderer
	styles palette
}

// New creates a Writer on stdout.
func New() *Writer {
	return NewWithOutput(os.Stdout)
}

// NewWithOutput creates a Writer on out. Markdown wraps at the terminal
// width, capped at maxWrap columns, and is rendered without ANSI styling
// when out is not a terminal or color is disabled.
func NewWithOutput(out io.Writer) *Writer {
	md, _ := glamour.NewTermRenderer(markdownOptions(out)...)
	return &Writer{out: out, md: md, styles: defaultPalette()}
}

func markdownOptions(out io.Writer) []glamour.TermRendererOption {
	wrap := glamour.WithWordWrap(min(getTerminalWidth(), maxWrap))
	f, isFile := out.(*os.File)
	if !isFile || !IsInteractive(f) || lipgloss.ColorProfile() == termenv.Ascii {
		return []glamour.TermRendererOption{
			glamour.WithStandardStyle("notty"),
			glamour.WithColorProfile(termenv.Ascii),
			wrap,
		}
	}
	return []glamour.TermRendererOption{glamour.WithAutoStyle(), wrap}
}

// DisableColor strips ANSI styling from every Writer in the process.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsInteractive reports whether f is a terminal.
func IsInteractive(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func (w *Writer) write(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.out, s)
}

func (w *Writer) line(style lipgloss.Style, format string, args ...any) {
	w.write(style.Render(fmt.Sprintf(format, args...)) + "\n")
}

// Println writes an unstyled line.
func (w *Writer) Println(format string, args ...any) {
	w.write(fmt.Sprintf(format, args...) + "\n")
}

// Markdown renders md. When rendering is unavailable or fails the raw text
// is printed instead.
func (w *Writer) Markdown(md string) error {
	if w.md == nil {
		w.write(md + "\n")
		return nil
	}
	rendered, err := w.md.Render(md)
	if err != nil {
		w.write(md + "\n")
		return err
	}
	w.write(rendered)
	return nil
}

func (w *Writer) Error(format string, args ...any) {
	w.line(w.styles.err, "error: "+format, args...)
}

func (w *Writer) Warn(format string, args ...any) {
	w.line(w.styles.warn, "warning: "+format, args...)
}

func (w *Writer) Success(format string, args ...any) {
	w.line(w.styles.ok, "✓ "+format, args...)
}

func (w *Writer) Info(format string, args ...any) {
	w.line(w.styles.info, format, args...)
}

// Dim prints secondary detail such as timings and summaries.
func (w *Writer) Dim(format string, args ...any) {
	w.line(w.styles.dim, format, args...)
}

// Header prints an underlined section title.
func (w *Writer) Header(title string) {
	w.line(w.styles.header, "%s", title)
}

// Divider prints a dim horizontal rule.
func (w *Writer) Divider() {
	w.line(w.styles.dim, "%s", strings.Repeat("─", dividerWidth))
}

// Stream writes an answer chunk as it arrives, without a newline.
func (w *Writer) Stream(chunk string) {
	w.write(chunk)
}

// StreamEnd terminates a streamed answer.
func (w *Writer) StreamEnd() {
	w.write("\n")
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}
