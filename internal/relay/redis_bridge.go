package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-relay/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBridge shares events over a Redis Pub/Sub channel.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	log     logger.Logger
}

func NewRedisBridge(client redis.UniversalClient, channel string, l logger.Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, log: l}
}

func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode bridge event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBridge) Subscribe(ctx context.Context, handle func(Event)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("invalid bridge event", logger.ErrorField(err))
				continue
			}
			handle(ev)
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBridge) Close() error {
	return nil
}
