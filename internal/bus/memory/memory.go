// Package memory is an in-process bus.Bus with consumer groups, explicit
// commits and timed redelivery. It backs single-process deployments and
// tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/concierge/internal/bus"
)

const (
	// DefaultAckWait is how long a delivered message may stay uncommitted
	// before it is redelivered.
	DefaultAckWait = 30 * time.Second
	// DefaultMaxDeliver bounds deliveries of a message that is never
	// committed.
	DefaultMaxDeliver = 5

	// retainLimit caps the messages kept for a topic that has no groups yet.
	retainLimit = 1024
)

// Options tunes redelivery.
type Options struct {
	AckWait    time.Duration
	MaxDeliver int
}

// Compile-time interface satisfaction check.
var _ bus.Bus = (*Bus)(nil)

// Bus is safe for concurrent use.
//
// Messages published to a topic before any group subscribes are retained
// and replayed to the first group to join, so no task is lost to startup
// ordering. Groups that join later start from the next publish.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup
	ackWait    time.Duration
	maxDeliver int
	logger     *slog.Logger
}

type topic struct {
	name     string
	nextSeq  uint64
	retained []bus.Message
	groups   map[string]*group
}

type group struct {
	name     string
	queue    []bus.Message
	inflight map[string]*time.Timer
	wake     chan struct{}
}

type token struct {
	topic, group, id string
}

// New creates an in-memory bus. Zero options take the defaults.
func New(logger *slog.Logger, opts Options) *Bus {
	if opts.AckWait <= 0 {
		opts.AckWait = DefaultAckWait
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = DefaultMaxDeliver
	}
	return &Bus{
		topics:     make(map[string]*topic),
		done:       make(chan struct{}),
		ackWait:    opts.AckWait,
		maxDeliver: opts.MaxDeliver,
		logger:     logger.With("component", "bus", "bus", "memory"),
	}
}

func (b *Bus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, groups: make(map[string]*group)}
		b.topics[name] = t
	}
	return t
}

// Publish enqueues payload for every group subscribed to topic.
func (b *Bus) Publish(_ context.Context, topicName, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}

	t := b.topicLocked(topicName)
	t.nextSeq++
	msg := bus.Message{
		Topic:   topicName,
		ID:      strconv.FormatUint(t.nextSeq, 10),
		Key:     key,
		Payload: append([]byte(nil), payload...),
		Attempt: 1,
	}

	if len(t.groups) == 0 {
		t.retained = append(t.retained, msg)
		if len(t.retained) > retainLimit {
			t.retained = t.retained[len(t.retained)-retainLimit:]
		}
		return nil
	}
	for _, g := range t.groups {
		g.enqueue(t.name, msg)
	}
	return nil
}

func (g *group) enqueue(topicName string, msg bus.Message) {
	msg.Token = token{topic: topicName, group: g.name, id: msg.ID}
	g.queue = append(g.queue, msg)
	g.signal()
}

func (g *group) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Subscribe joins group on topic. Subscribers of the same group compete for
// messages.
func (b *Bus) Subscribe(ctx context.Context, topicName, groupName string) (<-chan bus.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}

	t := b.topicLocked(topicName)
	g, ok := t.groups[groupName]
	if !ok {
		g = &group{
			name:     groupName,
			inflight: make(map[string]*time.Timer),
			wake:     make(chan struct{}, 1),
		}
		t.groups[groupName] = g
		for _, msg := range t.retained {
			g.enqueue(t.name, msg)
		}
		t.retained = nil
	}

	out := make(chan bus.Message)
	b.wg.Add(1)
	go b.pump(ctx, g, out)
	return out, nil
}

func (b *Bus) pump(ctx context.Context, g *group, out chan<- bus.Message) {
	defer b.wg.Done()
	defer close(out)

	for {
		msg, ok := b.next(g)
		if !ok {
			select {
			case <-g.wake:
				continue
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			b.requeue(g, msg)
			return
		case <-b.done:
			return
		}
	}
}

// next pops the head of the group's queue and starts its ack timer before it
// is handed to a subscriber, so a fast Commit always finds it.
func (b *Bus) next(g *group) (bus.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(g.queue) == 0 {
		return bus.Message{}, false
	}
	msg := g.queue[0]
	g.queue = g.queue[1:]
	g.inflight[msg.ID] = time.AfterFunc(b.ackWait, func() { b.expire(g, msg) })
	return msg, true
}

// requeue puts back a message that was popped but never delivered.
func (b *Bus) requeue(g *group, msg bus.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timer, ok := g.inflight[msg.ID]; ok {
		timer.Stop()
		delete(g.inflight, msg.ID)
	}
	g.queue = append([]bus.Message{msg}, g.queue...)
	g.signal()
}

// expire redelivers a message whose ack deadline passed.
func (b *Bus) expire(g *group, msg bus.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := g.inflight[msg.ID]; !ok || b.closed {
		return
	}
	delete(g.inflight, msg.ID)

	if msg.Attempt >= b.maxDeliver {
		b.logger.Warn("dropping message after max deliveries",
			"topic", msg.Topic,
			"group", g.name,
			"message_id", msg.ID,
			"attempts", msg.Attempt,
		)
		return
	}
	msg.Attempt++
	g.queue = append([]bus.Message{msg}, g.queue...)
	g.signal()
}

// Commit acknowledges msg for its group. Committing twice is a no-op.
func (b *Bus) Commit(_ context.Context, msg bus.Message) error {
	tok, ok := msg.Token.(token)
	if !ok {
		return fmt.Errorf("memory bus: foreign commit token %T", msg.Token)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[tok.topic]
	if !ok {
		return nil
	}
	g, ok := t.groups[tok.group]
	if !ok {
		return nil
	}
	if timer, ok := g.inflight[tok.id]; ok {
		timer.Stop()
		delete(g.inflight, tok.id)
	}
	return nil
}

// InFlight returns the number of delivered but uncommitted messages for a
// group.
func (b *Bus) InFlight(topicName, groupName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	g, ok := t.groups[groupName]
	if !ok {
		return 0
	}
	return len(g.inflight)
}

// Close stops all subscriptions and pending redeliveries.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for _, g := range t.groups {
			for id, timer := range g.inflight {
				timer.Stop()
				delete(g.inflight, id)
			}
		}
	}
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
