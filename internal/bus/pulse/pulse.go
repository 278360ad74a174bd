// Package pulse implements bus.Bus on Redis streams using goa.design/pulse.
// Each topic is a stream and each consumer group is a pulse sink; events
// that are not acknowledged are redelivered by pulse.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	"goa.design/pulse/streaming/options"

	"github.com/seantiz/concierge/internal/bus"
)

// DefaultMaxLen caps the number of events retained per stream.
const DefaultMaxLen = 10_000

// eventName is used when a message is published without a key.
const eventName = "envelope"

// Compile-time interface satisfaction check.
var _ bus.Bus = (*Bus)(nil)

// Bus publishes to and consumes from pulse streams.
type Bus struct {
	rdb    *redis.Client
	maxLen int
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*streaming.Stream
	sinks   []*streaming.Sink
	closed  bool
	wg      sync.WaitGroup
}

type ackToken struct {
	sink  *streaming.Sink
	event *streaming.Event
}

// New creates a bus over rdb. The caller owns rdb.
func New(rdb *redis.Client, maxLen int, logger *slog.Logger) *Bus {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Bus{
		rdb:     rdb,
		maxLen:  maxLen,
		logger:  logger.With("component", "bus", "bus", "pulse"),
		streams: make(map[string]*streaming.Stream),
	}
}

func (b *Bus) stream(name string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(name, b.rdb, options.WithStreamMaxLen(b.maxLen))
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	b.streams[name] = s
	return s, nil
}

// Publish adds payload to the topic stream. The key becomes the event name.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	s, err := b.stream(topic)
	if err != nil {
		return err
	}
	name := key
	if name == "" {
		name = eventName
	}
	if _, err := s.Add(ctx, name, payload); err != nil {
		return fmt.Errorf("pulse add %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates (or joins) the sink named group on the topic stream,
// starting at the oldest unconsumed event.
func (b *Bus) Subscribe(ctx context.Context, topic, group string) (<-chan bus.Message, error) {
	s, err := b.stream(topic)
	if err != nil {
		return nil, err
	}
	sink, err := s.NewSink(ctx, group, options.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("pulse sink %s/%s: %w", topic, group, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sink.Close(context.Background())
		return nil, bus.ErrClosed
	}
	b.sinks = append(b.sinks, sink)
	b.wg.Add(1)
	b.mu.Unlock()

	out := make(chan bus.Message)
	go func() {
		defer b.wg.Done()
		defer close(out)
		events := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				msg := bus.Message{
					Topic:   topic,
					ID:      evt.ID,
					Key:     evt.EventName,
					Payload: evt.Payload,
					Attempt: 1,
					Token:   ackToken{sink: sink, event: evt},
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Commit acknowledges the event with its sink.
func (b *Bus) Commit(ctx context.Context, msg bus.Message) error {
	tok, ok := msg.Token.(ackToken)
	if !ok {
		return fmt.Errorf("pulse bus: foreign commit token %T", msg.Token)
	}
	if err := tok.sink.Ack(ctx, tok.event); err != nil {
		return fmt.Errorf("pulse ack %s: %w", msg.ID, err)
	}
	return nil
}

// Close stops every sink. The Redis client is left open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.Close(context.Background())
	}
	b.wg.Wait()
	return nil
}

// Ping checks the Redis connection.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
