// Package natsbus implements bus.Bus on NATS JetStream. All topics live in
// one stream under a common subject prefix; each (group, topic) pair is a
// durable pull consumer with explicit acks.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/seantiz/concierge/internal/bus"
)

const (
	// DefaultAckWait is how long JetStream waits for an ack before
	// redelivering.
	DefaultAckWait = 30 * time.Second
	// DefaultMaxDeliver bounds redeliveries of an unacknowledged message.
	DefaultMaxDeliver = 5

	keyHeader    = "Concierge-Key"
	fetchMaxWait = 5 * time.Second
)

// Options configures the bus.
type Options struct {
	URL        string
	Stream     string
	AckWait    time.Duration
	MaxDeliver int
}

// Compile-time interface satisfaction check.
var _ bus.Bus = (*Bus)(nil)

// Bus is a JetStream-backed bus.
type Bus struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	stream     jetstream.Stream
	prefix     string
	ackWait    time.Duration
	maxDeliver int
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New connects to NATS and creates or updates the stream.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Bus, error) {
	if opts.Stream == "" {
		return nil, errors.New("natsbus: stream name is required")
	}
	if opts.AckWait <= 0 {
		opts.AckWait = DefaultAckWait
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = DefaultMaxDeliver
	}

	nc, err := nats.Connect(opts.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	prefix := strings.ToLower(opts.Stream)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{prefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", opts.Stream, err)
	}

	return &Bus{
		nc:         nc,
		js:         js,
		stream:     stream,
		prefix:     prefix,
		ackWait:    opts.AckWait,
		maxDeliver: opts.MaxDeliver,
		logger:     logger.With("component", "bus", "bus", "nats"),
	}, nil
}

// Subject maps a topic to its JetStream subject.
func Subject(prefix, topic string) string {
	return prefix + "." + topic
}

// durableName builds a consumer name; JetStream forbids '.', '*' and '>'.
func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "__" + topic)
}

// Publish sends payload to the topic subject with key in a header.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	msg := nats.NewMsg(Subject(b.prefix, topic))
	msg.Data = payload
	if key != "" {
		msg.Header.Set(keyHeader, key)
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates or updates the durable consumer for group on topic and
// pulls from it until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic, group string) (<-chan bus.Message, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(group, topic),
		FilterSubject: Subject(b.prefix, topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    b.maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s/%s: %w", group, topic, err)
	}

	out := make(chan bus.Message)
	b.wg.Add(1)
	go b.fetchLoop(ctx, consumer, topic, out)
	return out, nil
}

func (b *Bus) fetchLoop(ctx context.Context, consumer jetstream.Consumer, topic string, out chan<- bus.Message) {
	defer b.wg.Done()
	defer close(out)

	for {
		if ctx.Err() != nil || b.isClosed() {
			return
		}
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if ctx.Err() != nil || b.isClosed() {
				return
			}
			b.logger.Warn("fetch failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for m := range msgs.Messages() {
			msg := bus.Message{
				Topic:   topic,
				Key:     m.Headers().Get(keyHeader),
				Payload: m.Data(),
				Attempt: 1,
				Token:   m,
			}
			if meta, err := m.Metadata(); err == nil {
				msg.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
				msg.Attempt = int(meta.NumDelivered)
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Commit acks the JetStream message.
func (b *Bus) Commit(_ context.Context, msg bus.Message) error {
	m, ok := msg.Token.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("nats bus: foreign commit token %T", msg.Token)
	}
	if err := m.Ack(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops fetch loops and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	b.nc.Close()
	return nil
}

// Ping reports whether the NATS connection is up.
func (b *Bus) Ping(_ context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats connection %s", b.nc.Status())
	}
	return nil
}
