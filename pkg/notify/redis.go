package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisPublisher is the part of *redis.Client the sink uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier publishes JSON-encoded messages on a pub/sub channel.
type RedisNotifier struct {
	client  redisPublisher
	channel string
}

// NewRedisNotifier connects to url (redis://host:port/db).
func NewRedisNotifier(url, channel string) (*RedisNotifier, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return newRedisNotifier(redis.NewClient(opt), channel), nil
}

func newRedisNotifier(client redisPublisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "idler:notifications"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Name implements Sink.
func (r *RedisNotifier) Name() string { return "redis" }

// Publish implements Notifier.
func (r *RedisNotifier) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, string(b)).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", r.channel, err)
	}
	return nil
}

// Close implements Sink.
func (r *RedisNotifier) Close() error { return r.client.Close() }
