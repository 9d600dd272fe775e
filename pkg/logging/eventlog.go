package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/odvcencio/quarry/pkg/telemetry"
)

// EventLog appends telemetry events as JSONL, one file per query hash, and
// mirrors tool errors into errors.jsonl.
type EventLog struct {
	baseDir   string
	mu        sync.Mutex
	files     map[string]*os.File
	errorFile *os.File
}

// NewEventLog opens an event log rooted at baseDir.
func NewEventLog(baseDir string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "events"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &EventLog{
		baseDir:   baseDir,
		files:     make(map[string]*os.File),
		errorFile: errorFile,
	}, nil
}

// Publish implements telemetry.Publisher.
func (l *EventLog) Publish(event telemetry.Event) {
	_ = l.Write(event)
}

// Write appends one event. Events without a query hash go to events/unscoped.jsonl.
func (l *EventLog) Write(event telemetry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	key := event.QueryHash
	if key == "" {
		key = "unscoped"
	}
	f, err := l.fileFor(key)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write event log: %w", err)
	}

	if event.Type == telemetry.EventToolError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write error log: %w", err)
		}
	}
	return nil
}

func (l *EventLog) fileFor(key string) (*os.File, error) {
	if f, ok := l.files[key]; ok {
		return f, nil
	}
	f, err := os.OpenFile(
		filepath.Join(l.baseDir, "events", key+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l.files[key] = f
	return f, nil
}

// Follow drains a hub subscription into the log until the channel closes.
func (l *EventLog) Follow(events <-chan telemetry.Event) {
	for ev := range events {
		_ = l.Write(ev)
	}
}

// Close closes all log files
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for key, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.files, key)
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
		l.errorFile = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadEvents reads every event from a JSONL event file, skipping malformed lines.
func ReadEvents(path string) ([]telemetry.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	var events []telemetry.Event
	for _, line := range splitLines(data) {
		var ev telemetry.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
