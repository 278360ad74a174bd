package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/concierge/internal/bus"
	"github.com/seantiz/concierge/internal/bus/memory"
	"github.com/seantiz/concierge/internal/intent"
	"github.com/seantiz/concierge/internal/live"
	"github.com/seantiz/concierge/internal/llm"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
	"github.com/seantiz/concierge/internal/route"
	"github.com/seantiz/concierge/internal/session"
	"github.com/seantiz/concierge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// flakyStore fails writes while failing is set.
type flakyStore struct {
	store.Store
	failing atomic.Bool
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failing.Load() {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value, ttl)
}

// failingBus rejects every publish.
type failingBus struct {
	bus.Bus
}

func (failingBus) Publish(context.Context, string, string, []byte) error {
	return errors.New("broker unreachable")
}

// recordingConn captures live events.
type recordingConn struct {
	mu     sync.Mutex
	events []model.LiveEvent
}

func (c *recordingConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(model.LiveEvent))
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) all() []model.LiveEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.LiveEvent(nil), c.events...)
}

// wait returns the recorded events once at least n have arrived. Pushes are
// written by the hub asynchronously.
func (c *recordingConn) wait(t *testing.T, n int) []model.LiveEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := c.all()
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d live events, want %d", len(events), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stalledConn never completes a write until it is closed, like a client
// that stopped reading.
type stalledConn struct {
	once    sync.Once
	release chan struct{}
}

func newStalledConn() *stalledConn {
	return &stalledConn{release: make(chan struct{})}
}

func (c *stalledConn) WriteJSON(any) error {
	<-c.release
	return errors.New("write deadline exceeded")
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

type harness struct {
	eng      *Engine
	sessions *session.Manager
	store    *flakyStore
	bus      *memory.Bus
	hub      *live.Hub
	answer   *llm.Mock
}

type harnessOption func(*Options)

func withBus(b bus.Bus) harnessOption {
	return func(o *Options) { o.Bus = b }
}

func withRoutes(r *route.Registry) harnessOption {
	return func(o *Options) { o.Routes = r }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	sq, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	st := &flakyStore{Store: sq}

	logger := testLogger()
	prompts := prompt.Default()
	mb := memory.New(logger, memory.Options{})
	t.Cleanup(func() { mb.Close() })

	h := &harness{
		store:  st,
		bus:    mb,
		hub:    live.NewHub(logger),
		answer: llm.NewMock("general", "Clinics are usually open on weekdays."),
	}
	t.Cleanup(h.hub.CloseAll)
	h.sessions = session.NewManager(st, logger, time.Hour, prompts.For("").Greeting)

	o := Options{
		Sessions:   h.sessions,
		Classifier: intent.New(nil, nil, prompts, logger),
		Routes:     route.Default(),
		Prompts:    prompts,
		Bus:        mb,
		Hub:        h.hub,
		Answerer:   NewAnswerer(h.answer, prompts, logger),
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.eng = New(o)
	return h
}

func (h *harness) chat(t *testing.T, sessionID, message string) model.Reply {
	t.Helper()
	reply, err := h.eng.ProcessMessage(context.Background(), model.ChatRequest{
		UserID:    "u1",
		Message:   message,
		SessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("ProcessMessage(%q): %v", message, err)
	}
	return reply
}

func (h *harness) connect(sessionID string) *recordingConn {
	c := &recordingConn{}
	h.hub.Connect(sessionID, c)
	return c
}

func (h *harness) session(t *testing.T, id string) *model.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get session %s: %v", id, err)
	}
	return s
}

func messageFor(t *testing.T, s *model.Session, corrID string) model.Message {
	t.Helper()
	for _, m := range s.ConversationHistory {
		if m.CorrelationID() == corrID {
			return m
		}
	}
	t.Fatalf("no message with correlation id %s", corrID)
	return model.Message{}
}

func result(corrID, sessionID, status, response string) model.ResultEnvelope {
	return model.NewResultEnvelope(corrID, status, model.AgentResult{
		Response:  response,
		SessionID: sessionID,
	}, time.Now())
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func receive(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
	return bus.Message{}
}

func busMessage(payload []byte) bus.Message {
	return bus.Message{Topic: "general-info-responses", ID: "1", Payload: payload}
}
