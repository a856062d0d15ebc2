package realtime

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisChannel is a Channel over Redis PUBLISH/SUBSCRIBE.
type RedisChannel struct {
	client redis.UniversalClient
	name   string
}

// NewRedisChannel constructs a Redis pub/sub Channel named name.
func NewRedisChannel(client redis.UniversalClient, name string) (*RedisChannel, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if name == "" {
		name = DefaultChannelName
	}
	return &RedisChannel{client: client, name: name}, nil
}

// Publish sends payload to every subscriber of the channel.
func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, c.name, payload).Err()
}

// Subscribe confirms the subscription before returning, so a payload
// published after Subscribe returns is not missed.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := c.client.Subscribe(ctx, c.name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	in := ps.Channel(redis.WithChannelSize(subscriberBuffer))
	out := make(chan []byte, subscriberBuffer)

	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
