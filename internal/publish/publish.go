package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "voxrelay:turns"

// Turn is one completed caller/assistant exchange.
type Turn struct {
	SessionID  string    `json:"sessionId"`
	Transcript string    `json:"transcript"`
	Topics     []string  `json:"topics,omitempty"`
	Reply      string    `json:"reply"`
	Format     string    `json:"format,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, turn Turn) error
	Close() error
}

// Nop drops every turn.
type Nop struct{}

func (Nop) Publish(context.Context, Turn) error { return nil }
func (Nop) Close() error                        { return nil }

// Redis publishes turns as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(ctx context.Context, addr, channel string) (*Redis, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 3 * time.Second,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: rdb, channel: channel}, nil
}

func (r *Redis) Publish(ctx context.Context, turn Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
