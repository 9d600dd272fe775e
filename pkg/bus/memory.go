package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// memoryQueueLen bounds each subscriber's backlog.
const memoryQueueLen = 256

// MemoryBus is an in-process MessageBus. Each subscriber drains its own
// queue on a goroutine; a subscriber that falls memoryQueueLen messages
// behind loses the overflow, counted by Dropped.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memorySubscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySubscription)}
}

// Publish queues data for every subscription whose pattern matches subject.
func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}
	for _, sub := range b.subs {
		if !matchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe starts delivering matching messages to handler until the
// subscription, the bus or ctx ends.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, handler MessageHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		pattern: pattern,
		queue:   make(chan *Message, memoryQueueLen),
		bus:     b,
	}
	b.subs[sub.id] = sub
	go sub.deliver(ctx, handler)
	return sub, nil
}

// Dropped reports how many messages overflowed a subscriber queue.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Closing twice returns ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.queue)
		delete(b.subs, id)
	}
	return nil
}

type memorySubscription struct {
	id      uint64
	pattern string
	queue   chan *Message
	bus     *MemoryBus
}

// Unsubscribe is idempotent.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return nil
	}
	delete(s.bus.subs, s.id)
	close(s.queue)
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.pattern
}

func (s *memorySubscription) deliver(ctx context.Context, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			handler(msg)
		}
	}
}

// matchSubject applies NATS wildcard rules: "*" stands for exactly one
// token and ">" as the final token for one or more.
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) || (tok != "*" && tok != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}
