// Package bus carries the agent's event stream to other processes. The NATS
// implementation is used in production; the in-memory one for tests and for
// single-process subscribers.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// MessageBus is a publish/subscribe transport. Implementations must be safe
// for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject. It does not wait
	// for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. Wildcards follow NATS rules:
	// "*" matches one token and a trailing ">" matches the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes one incoming message.
type MessageHandler func(msg *Message)

// Message is an incoming message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds connection settings for a NATS bus.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns a Config for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "quarry",
		Timeout: 10 * time.Second,
	}
}
