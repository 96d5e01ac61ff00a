package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/synqx/synqx/internal/logger"
)

// RedisBus fans events out through Redis pub/sub so every server
// replica sees progress from jobs running anywhere in the fleet.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	data, err := event.Marshal()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, topic)
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn(ctx, "Dropping malformed event", "topic", topic, "err", err)
					continue
				}
				select {
				case out <- event:
				default:
					// drop for slow consumers
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }
