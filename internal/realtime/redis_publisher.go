// Package realtime fans events out to room subscribers over Redis pub/sub.
// Each room maps to one Redis channel; a gateway process on the other side
// forwards messages to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// message is the wire envelope published on a room channel.
type message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// RedisPublisher publishes room events to Redis channels.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to Redis and verifies the connection.
// channelPrefix is prepended to every room name, e.g. "rt:".
func NewRedisPublisher(redisURL, channelPrefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, prefix: channelPrefix}, nil
}

// NewRedisPublisherWithClient wraps an existing Redis client.
func NewRedisPublisherWithClient(client *redis.Client, channelPrefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: channelPrefix}
}

// Publish sends one event to everyone subscribed to the room, the initiator
// included. Rooms with no subscribers accept publishes silently.
func (p *RedisPublisher) Publish(ctx context.Context, room, name string, payload any) error {
	body, err := json.Marshal(message{Event: name, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	if err := p.client.Publish(ctx, p.prefix+room, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NoopPublisher drops every event. Used when no Redis URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, string, any) error { return nil }
