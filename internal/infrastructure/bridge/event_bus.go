package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
)

// busEvent is the redis wire form of an engine event.
type busEvent struct {
	Type       domain.EventType       `json:"type"`
	InstanceID string                 `json:"instance_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventBus fans engine events across relay instances over redis
// pub/sub. Each instance filters out its own publications.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channels   []string
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channels:   []string{"camrelay:events"},
	}
}

// Publish pushes one event onto the shared channel.
func (eb *EventBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(busEvent{
		Type:       event.Type,
		InstanceID: eb.instanceID,
		Payload:    event.Payload,
		Timestamp:  event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channels[0], data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type)
	return nil
}

// Subscribe consumes events published by other instances until the
// context ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channels...)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event busEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance.
			if event.InstanceID == eb.instanceID {
				continue
			}

			err := handler(domain.Event{
				Type:      event.Type,
				Payload:   event.Payload,
				Timestamp: event.Timestamp,
			})
			if err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close tears down the subscription if one is active.
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
