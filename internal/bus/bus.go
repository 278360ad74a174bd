// Package bus abstracts the publish/subscribe transport that carries task
// and result envelopes between the orchestrator and worker agents.
//
// Delivery is at-least-once and unordered across topics. A message that is
// not committed is eventually redelivered, so handlers must be idempotent.
package bus

import (
	"context"
	"errors"
	"log/slog"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is a delivered bus message.
type Message struct {
	Topic   string
	ID      string
	Key     string
	Payload []byte
	// Attempt is the 1-based delivery count, when the transport tracks it.
	Attempt int
	// Token is the transport's commit handle for this delivery.
	Token any
}

// Bus publishes and consumes messages on named topics.
type Bus interface {
	// Publish appends payload to topic. key identifies the message for
	// partitioning and tracing; it may be empty.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe joins consumer group on topic. Each message is delivered to
	// one subscriber per group. The channel closes when ctx is done or the
	// bus is closed.
	Subscribe(ctx context.Context, topic, group string) (<-chan Message, error)
	// Commit acknowledges msg so it is not redelivered.
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one message. Returning an error leaves the message
// uncommitted so the transport redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Consume subscribes to topic and runs h for every message until ctx is done
// or the subscription ends. Messages are committed only after h returns nil.
func Consume(ctx context.Context, b Bus, topic, group string, h Handler, logger *slog.Logger) error {
	msgs, err := b.Subscribe(ctx, topic, group)
	if err != nil {
		return err
	}
	logger = logger.With("topic", topic, "group", group)
	logger.Info("consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("subscription closed")
				return nil
			}
			busMessagesConsumed.WithLabelValues(topic).Inc()
			if err := h(ctx, msg); err != nil {
				busHandlerErrors.WithLabelValues(topic).Inc()
				logger.Warn("handler failed, leaving message uncommitted",
					"message_id", msg.ID,
					"attempt", msg.Attempt,
					"error", err,
				)
				continue
			}
			if err := b.Commit(ctx, msg); err != nil {
				logger.Error("commit failed", "message_id", msg.ID, "error", err)
			}
		}
	}
}
