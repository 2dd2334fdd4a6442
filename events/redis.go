package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const DefaultChannel = "pipeline:stage_changed"

// RedisPublisher broadcasts stage events on a Redis pub/sub channel so every
// API instance and downstream consumer sees them
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
	Logger  *logrus.Logger
}

func NewRedisPublisher(client *redis.Client, logger *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{
		Client:  client,
		Channel: DefaultChannel,
		Logger:  logger,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event StageChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode stage event: %w", err)
	}
	if err := p.Client.Publish(ctx, p.Channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish stage event: %w", err)
	}
	return nil
}

// Relay forwards events from the Redis channel into a local bus until ctx
// is cancelled
func (p *RedisPublisher) Relay(ctx context.Context, bus *Bus) error {
	sub := p.Client.Subscribe(ctx, p.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.Channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event StageChanged
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if p.Logger != nil {
					p.Logger.WithError(err).Warn("Ignoring malformed stage event")
				}
				continue
			}
			bus.Publish(ctx, event)
		}
	}
}
