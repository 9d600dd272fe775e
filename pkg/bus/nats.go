package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus on a core NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	config Config
	closed atomic.Bool
}

// NewNATSBus connects to the server at cfg.URL.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn, config: cfg}, nil
}

// NewNATSBusFromConn wraps an existing connection.
func NewNATSBusFromConn(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, config: DefaultConfig()}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{Subject: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, err
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Unsubscribe()
		}()
	}
	return &natsSubscription{sub: sub}, nil
}

// Flush waits until the server has processed every published message.
func (b *NATSBus) Flush(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		return b.conn.FlushTimeout(b.config.Timeout)
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	return nil
}

// Conn returns the underlying connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if err == nats.ErrBadSubscription {
		return nil
	}
	return err
}

func (s *natsSubscription) Subject() string {
	return s.sub.Subject
}
