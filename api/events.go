package api

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"

	EntityBoard = "board"
	EntityCard  = "card"
)

// Event describes a committed change. BoardID is zero when the board is not
// known, which is the case for card deletions.
type Event struct {
	Type    string `json:"type"`
	Entity  string `json:"entity"`
	BoardID int64  `json:"boardId,omitempty"`
	ID      int64  `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

// RedisPublisher sends events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
