package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/shared/database"
)

const (
	eventChannelPrefix = "render:events:"
	cancelChannel      = "render:cancel"
	cancelKeyPrefix    = "render:cancelled:"
	cancelKeyTTL       = 24 * time.Hour
)

// EventChannel is the Redis channel carrying job id's events.
func EventChannel(id string) string {
	return eventChannelPrefix + id
}

// EventBridge carries job events and cancellation requests between the API server and
// workers over Redis pub/sub.
type EventBridge struct {
	redis  *database.Redis
	logger *zap.Logger
}

// NewEventBridge creates a new event bridge
func NewEventBridge(redis *database.Redis, logger *zap.Logger) *EventBridge {
	return &EventBridge{redis: redis, logger: logger}
}

// Publish sends e on its job's channel.
func (b *EventBridge) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, EventChannel(e.JobID), data)
}

// Sink adapts Publish to an EventSink. Failures are logged.
func (b *EventBridge) Sink(ctx context.Context) EventSink {
	return func(e Event) {
		if err := b.Publish(ctx, e); err != nil {
			b.logger.Error("Failed to publish render event",
				zap.String("job_id", e.JobID),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}

// Listen delivers every job event published by any worker until ctx is done.
func (b *EventBridge) Listen(ctx context.Context, handle func(Event)) error {
	sub := b.redis.PSubscribe(ctx, eventChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
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
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn("Malformed render event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if e.JobID == "" {
				e.JobID = strings.TrimPrefix(msg.Channel, eventChannelPrefix)
			}
			handle(e)
		}
	}
}

// RequestCancel marks id cancelled and notifies workers. The mark outlives the message
// so a job still waiting in the queue is skipped when it is picked up.
func (b *EventBridge) RequestCancel(ctx context.Context, id string) error {
	if err := b.redis.Set(ctx, cancelKeyPrefix+id, "1", cancelKeyTTL); err != nil {
		return err
	}
	return b.redis.Publish(ctx, cancelChannel, id)
}

// CancelRequested reports whether id was cancelled before it started.
func (b *EventBridge) CancelRequested(ctx context.Context, id string) (bool, error) {
	return b.redis.Exists(ctx, cancelKeyPrefix+id)
}

// ListenCancels calls handle with each cancelled job id until ctx is done.
func (b *EventBridge) ListenCancels(ctx context.Context, handle func(id string)) error {
	sub := b.redis.Subscribe(ctx, cancelChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
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
			handle(msg.Payload)
		}
	}
}
