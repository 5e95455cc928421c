package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBridge implements Bridge over Redis Pub/Sub for clustered
// deployments.
type RedisBridge struct {
	rdb *redis.Client
}

// NewRedisBridge wraps an existing client.
func NewRedisBridge(rdb *redis.Client) *RedisBridge {
	return &RedisBridge{rdb: rdb}
}

func (b *RedisBridge) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a handler for a channel and returns an unsubscribe
// function. The handler runs on a dedicated goroutine per channel.
func (b *RedisBridge) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation before reporting success.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
