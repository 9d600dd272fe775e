package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/telemetry"
)

// DefaultSubjectPrefix roots every event subject.
const DefaultSubjectPrefix = "quarry.events"

// EventSubject returns the subject an event is published on:
// <prefix>.<queryHash>.<type>. Events without a query hash (task graph
// runs) use the run ID, then "global".
func EventSubject(prefix string, e telemetry.Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	key := e.QueryHash
	if key == "" {
		key = e.RunID
	}
	if key == "" {
		key = "global"
	}
	return prefix + "." + sanitizeToken(key) + "." + sanitizeToken(string(e.Type))
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// Forwarder publishes telemetry events as JSON on a MessageBus. It
// implements telemetry.Publisher; publish failures are logged, never
// returned to the agent.
type Forwarder struct {
	bus    MessageBus
	prefix string
	logger *logging.Logger
}

// NewForwarder creates a forwarder. An empty prefix uses DefaultSubjectPrefix.
func NewForwarder(b MessageBus, prefix string, logger *logging.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Forwarder{bus: b, prefix: prefix, logger: logging.OrNop(logger).Component("bus")}
}

// Publish implements telemetry.Publisher.
func (f *Forwarder) Publish(e telemetry.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Warn("encode event", "type", e.Type, "error", err)
		return
	}
	if err := f.bus.Publish(context.Background(), EventSubject(f.prefix, e), data); err != nil {
		f.logger.Debug("publish event", "type", e.Type, "error", err)
	}
}

// SubscribeEvents decodes events published under pattern and hands them to
// fn. Undecodable messages are skipped.
func SubscribeEvents(ctx context.Context, b MessageBus, pattern string, fn func(telemetry.Event)) (Subscription, error) {
	return b.Subscribe(ctx, pattern, func(msg *Message) {
		var e telemetry.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
}
