package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "watchtower:live:"

// RedisBus relays frames through Redis so subscribers connected to any API instance see
// telemetry recorded on any other.
type RedisBus struct {
	client *redis.Client
	hub    *Hub
	log    *slog.Logger
}

func NewRedisBus(client *redis.Client, hub *Hub, log *slog.Logger) *RedisBus {
	return &RedisBus{client: client, hub: hub, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) error {
	frame, err := encode(channel, payload)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channelPrefix+channel, frame).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run forwards every relayed frame to the local hub until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.log.Info("live relay subscribed", "pattern", channelPrefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.hub.Broadcast(strings.TrimPrefix(msg.Channel, channelPrefix), []byte(msg.Payload))
		}
	}
}
