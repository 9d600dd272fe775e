package terminal

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// SpinnerFrames are the default animation frames.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a status line while a single blocking call runs, such
// as planning a task graph.
type Spinner struct {
	out     io.Writer
	frames  []string
	style   lipgloss.Style
	mu      sync.Mutex
	message string
	started time.Time
	done    chan struct{}
	stopped sync.WaitGroup
}

// NewSpinner creates a spinner on out.
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		out:     out,
		frames:  SpinnerFrames,
		message: message,
		style: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
	}
}

// SetMessage updates the status text.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Start begins the animation. Starting a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.done = make(chan struct{})
	s.started = time.Now()
	s.stopped.Add(1)
	go s.run(s.done)
}

func (s *Spinner) run(done <-chan struct{}) {
	defer s.stopped.Done()
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			elapsed := time.Since(s.started).Round(time.Second)
			line := fmt.Sprintf("\r%s %s (%s)", s.style.Render(s.frames[frame%len(s.frames)]), s.message, elapsed)
			s.mu.Unlock()
			fmt.Fprint(s.out, line)
		}
	}
}

// Elapsed returns the time since Start, or zero if never started.
func (s *Spinner) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Stop ends the animation and clears the line. Stopping an idle spinner is a
// no-op.
func (s *Spinner) Stop() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	s.stopped.Wait()
	fmt.Fprint(s.out, "\r\033[K")
}

// WithSpinner runs fn with a spinner on out when animate is true.
func WithSpinner[T any](out io.Writer, animate bool, message string, fn func() (T, error)) (T, error) {
	if !animate {
		return fn()
	}
	s := NewSpinner(out, message)
	s.Start()
	defer s.Stop()
	return fn()
}
