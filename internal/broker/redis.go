package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "gochat:room:"

// RedisBroker fans out through Redis pub/sub, one channel per room.
type RedisBroker struct {
	client redis.UniversalClient
	log    *log.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedisBroker(client redis.UniversalClient, logger *log.Logger) *RedisBroker {
	return &RedisBroker{client: client, log: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, redisChannelPrefix+env.RoomId, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		<-ctx.Done()
		ps.Close()
	}()
	go func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Printf("dropping malformed envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.RoomId == "" {
				env.RoomId = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			}
			h(env)
		}
	}()

	return nil
}

// Close stops every subscription. The client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ps := range b.subs {
		ps.Close()
	}
	b.subs = nil
	return nil
}
