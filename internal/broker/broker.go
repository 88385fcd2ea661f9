// Package broker carries room events between service instances so every
// instance can deliver them to its own live sessions.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Envelope is a room event on the wire. SkipSession names a session that
// must not receive it, usually the sender; SkipUser excludes every session
// of an identity.
type Envelope struct {
	RoomId      string          `json:"room_id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	SkipSession string          `json:"skip_session,omitempty"`
	SkipUser    int             `json:"skip_user,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type Handler func(Envelope)

// Broker publishes envelopes to every subscribed instance, including the
// publishing one. Envelopes for a single room are delivered in publish
// order.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h and returns once it is receiving. Delivery stops
	// when ctx is done or the broker is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// LocalBroker delivers in process. It is only correct for a single
// instance deployment.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextId   int
	closed   bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]Handler)}
}

func (b *LocalBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		h(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	id := b.nextId
	b.nextId++
	b.handlers[id] = h

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	clear(b.handlers)
	return nil
}
