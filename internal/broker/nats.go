package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "gochat.room."

// NatsBroker fans out through core NATS subjects, one per room.
type NatsBroker struct {
	nc  *nats.Conn
	log *log.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBroker(nc *nats.Conn, logger *log.Logger) *NatsBroker {
	return &NatsBroker{nc: nc, log: logger}
}

func (b *NatsBroker) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.nc.Publish(natsSubjectPrefix+env.RoomId, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NatsBroker) Subscribe(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(natsSubjectPrefix+"*", func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Printf("dropping malformed envelope on %s: %v", msg.Subject, err)
			return
		}
		h(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// Close drains subscriptions. The connection is owned by the caller.
func (b *NatsBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			b.log.Printf("nats unsubscribe: %v", err)
		}
	}
	b.subs = nil
	return nil
}
