package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces ecoscan channels on a shared Redis.
const RedisKeyPrefix = "ecoscan:"

// RedisClient is the subset of go-redis used for publishing.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher sends PUBLISH ecoscan:<channel> {"event","data"}.
type RedisPublisher struct {
	client RedisClient
}

// NewRedisPublisher connects to the Redis at url (redis://host:port/db).
func NewRedisPublisher(url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisPublisherWithClient(redis.NewClient(opts)), nil
}

// NewRedisPublisherWithClient uses an existing client.
func NewRedisPublisherWithClient(client RedisClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Backend() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	body, err := encode(event, payload)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, RedisKeyPrefix+channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
