// Package realtime publishes lifecycle events over Redis pub/sub so
// connected frontends can refresh without polling.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channel = "vellum:events"

// Envelope is the wire shape of a published event.
type Envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// RedisBroadcaster implements the fanout Broadcaster over Redis pub/sub.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster connects to Redis and verifies the connection.
func NewRedisBroadcaster(redisURL string) (*RedisBroadcaster, error) {
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

	return &RedisBroadcaster{client: client}, nil
}

// NewRedisBroadcasterWithClient wraps an existing client, used by tests.
func NewRedisBroadcasterWithClient(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// Emit publishes an event envelope on the shared channel.
func (b *RedisBroadcaster) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(Envelope{
		Event:   event,
		Payload: payload,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event, err)
	}
	return nil
}

// Ping reports broker reachability for readiness checks.
func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
