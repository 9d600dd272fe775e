package bus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/quarry/pkg/telemetry"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "test.subject", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, "test.subject", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "test.subject" {
			t.Errorf("Expected subject 'test.subject', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var single, rest atomic.Int32

	if _, err := bus.Subscribe(ctx, "quarry.events.*.done", func(*Message) { single.Add(1) }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe(ctx, "quarry.events.>", func(*Message) { rest.Add(1) }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(ctx, "quarry.events.abc.done", []byte("1"))
	bus.Publish(ctx, "quarry.events.xyz.done", []byte("2"))
	bus.Publish(ctx, "quarry.events.abc.tool_start", []byte("3"))
	bus.Publish(ctx, "quarry.other.abc.done", []byte("4"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && (single.Load() < 2 || rest.Load() < 3) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if single.Load() != 2 {
		t.Errorf("Expected 2 messages on '*' pattern, got %d", single.Load())
	}
	if rest.Load() != 3 {
		t.Errorf("Expected 3 messages on '>' pattern, got %d", rest.Load())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	sub, err := bus.Subscribe(ctx, "test", func(*Message) { received.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}

	bus.Publish(ctx, "test", []byte("x"))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("Expected no messages after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != ErrClosed {
		t.Errorf("Expected ErrClosed on double close, got %v", err)
	}
	if err := bus.Publish(context.Background(), "x", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on publish, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "x", func(*Message) {}); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.>.c", "a.b.c", false},
		{"a.b", "a.c", false},
	}
	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestEventSubject(t *testing.T) {
	tests := []struct {
		event telemetry.Event
		want  string
	}{
		{telemetry.Event{Type: telemetry.EventDone, QueryHash: "abc123"}, "quarry.events.abc123.done"},
		{telemetry.Event{Type: telemetry.EventTaskEnd, RunID: "01hx"}, "quarry.events.01hx.task_end"},
		{telemetry.Event{Type: telemetry.EventThinking}, "quarry.events.global.thinking"},
		{telemetry.Event{Type: telemetry.EventDone, QueryHash: "a.b"}, "quarry.events.a_b.done"},
	}
	for _, tt := range tests {
		if got := EventSubject("", tt.event); got != tt.want {
			t.Errorf("EventSubject(%+v) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestForwarderRoundTrip(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []telemetry.Event
	done := make(chan struct{})
	_, err := SubscribeEvents(ctx, bus, "quarry.events.q1.>", func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		if e.Type == telemetry.EventDone {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("SubscribeEvents failed: %v", err)
	}
	bus.Publish(ctx, "quarry.events.q1.noise", []byte("not json"))

	fwd := NewForwarder(bus, "", nil)
	fwd.Publish(telemetry.Event{Type: telemetry.EventToolStart, QueryHash: "q1", Tool: "search"})
	fwd.Publish(telemetry.Event{Type: telemetry.EventToolStart, QueryHash: "other", Tool: "ignored"})
	fwd.Publish(telemetry.Event{Type: telemetry.EventDone, QueryHash: "q1", Answer: "42"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for done event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Tool != "search" || got[1].Answer != "42" {
		t.Errorf("Unexpected events: %+v", got)
	}
}

// Runs against a real server when QUARRY_TEST_NATS_URL is set.
func TestNATSBus_PublishSubscribe(t *testing.T) {
	url := os.Getenv("QUARRY_TEST_NATS_URL")
	if url == "" {
		t.Skip("QUARRY_TEST_NATS_URL not set")
	}
	bus, err := NewNATSBus(Config{URL: url, Name: "quarry-test"})
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	defer bus.Close()

	received := make(chan telemetry.Event, 1)
	ctx := context.Background()
	if _, err := SubscribeEvents(ctx, bus, "quarry.events.nats.>", func(e telemetry.Event) { received <- e }); err != nil {
		t.Fatalf("SubscribeEvents failed: %v", err)
	}
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	NewForwarder(bus, "", nil).Publish(telemetry.Event{Type: telemetry.EventDone, QueryHash: "nats", Answer: "ok"})
	select {
	case e := <-received:
		if e.Answer != "ok" {
			t.Errorf("Expected answer 'ok', got %q", e.Answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for NATS message")
	}
}
