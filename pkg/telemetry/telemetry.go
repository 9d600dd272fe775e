package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/quarry/pkg/cost"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventThinking        EventType = "thinking"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventToolError       EventType = "tool_error"
	EventToolLimit       EventType = "tool_limit"
	EventContextCleared  EventType = "context_cleared"
	EventContextSelected EventType = "context_selected"
	EventAnswerStart     EventType = "answer_start"
	EventAnswerChunk     EventType = "answer_chunk"
	EventDone            EventType = "done"

	EventTaskStart EventType = "task_start"
	EventTaskEnd   EventType = "task_end"
)

// Limit levels carried by tool_limit events.
const (
	LimitWarning = "warning"
	LimitBlocked = "blocked"
)

// ToolCall is a completed tool call as reported in the done event.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
}

// Event describes agent progress that UIs, logs and buses can consume.
// Only the fields relevant to Type are populated.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId,omitempty"`
	QueryHash string    `json:"queryHash,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Iteration int       `json:"iteration,omitempty"`

	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Text     string         `json:"text,omitempty"`
	Error    string         `json:"error,omitempty"`
	Level    string         `json:"level,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`

	Cleared int `json:"cleared,omitempty"`
	Kept    int `json:"kept,omitempty"`

	Answer     string        `json:"answer,omitempty"`
	Status     string        `json:"status,omitempty"`
	ToolCalls  []ToolCall    `json:"toolCalls,omitempty"`
	Iterations int           `json:"iterations,omitempty"`
	TotalTime  time.Duration `json:"totalTime,omitempty"`
	Usage      *cost.Usage   `json:"tokenUsage,omitempty"`

	Data map[string]any `json:"data,omitempty"`
}

// Stamp assigns a unique ID and the current time to e where unset.
// Consumers of forwarded events dedupe on ID.
func Stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

// Publisher receives events. Hub implements it; so do test recorders.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event Event) { f(event) }

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return NewHubWithBuffer(256)
}

// NewHubWithBuffer constructs a hub whose subscriber channels hold size events.
func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = 1
	}
	return &Hub{subscribers: make(map[chan Event]struct{}), bufferSize: size}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			recordDroppedEvent()
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, h.bufferSize)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}

// Multi publishes to every non-nil publisher in order.
func Multi(pubs ...Publisher) Publisher {
	filtered := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return PublisherFunc(func(e Event) {
		for _, p := range filtered {
			p.Publish(e)
		}
	})
}
