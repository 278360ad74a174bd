package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/store"
)

const testGreeting = "Hello! How can I help?"

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewManager(st, logger, time.Hour, testGreeting), st
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "u1", map[string]any{"lang": "en"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Fatal("Create returned empty id")
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", got.UserID)
	}
	if got.WorkflowState != model.WorkflowInitial {
		t.Errorf("WorkflowState = %q, want %q", got.WorkflowState, model.WorkflowInitial)
	}
	if got.Context["lang"] != "en" {
		t.Errorf("Context[lang] = %v, want en", got.Context["lang"])
	}
	if len(got.ConversationHistory) != 1 {
		t.Fatalf("history len = %d, want 1 (greeting)", len(got.ConversationHistory))
	}
	greet := got.ConversationHistory[0]
	if greet.Role != model.RoleAssistant || greet.Content != testGreeting || greet.Status() != model.StatusCompleted {
		t.Errorf("greeting = %+v", greet)
	}
}

func TestCreateWithRequestedID(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "u1", nil, "my-session")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID != "my-session" {
		t.Errorf("ID = %q, want my-session", s.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetCorrupt(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	if err := st.Set(ctx, sessionKey("bad"), []byte("{not json"), time.Hour); err != nil {
		t.Fatal(err)
	}
	_, err := m.Get(ctx, "bad")
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("corruption must not be reported as not found")
	}
}

func TestAppendMessageCapsHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.Create(ctx, "u1", nil, "")

	total := model.MaxHistory + 10
	for i := 0; i < total; i++ {
		got, err := m.AppendMessage(ctx, s.ID, model.RoleUser, fmt.Sprintf("msg %d", i), nil)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if len(got.ConversationHistory) > model.MaxHistory {
			t.Fatalf("history len = %d after %d appends", len(got.ConversationHistory), i+1)
		}
	}

	got, _ := m.Get(ctx, s.ID)
	if len(got.ConversationHistory) != model.MaxHistory {
		t.Fatalf("history len = %d, want %d", len(got.ConversationHistory), model.MaxHistory)
	}
	for i, msg := range got.ConversationHistory {
		want := fmt.Sprintf("msg %d", total-model.MaxHistory+i)
		if msg.Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, msg.Content, want)
		}
	}
}

func TestMutationRefreshesTTL(t *testing.T) {
	m, st := newTestManager(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}
	m.now = now
	m.ttl = time.Minute
	st.SetClock(now)
	ctx := context.Background()

	s, _ := m.Create(ctx, "u1", nil, "")
	advance(50 * time.Second)
	if _, err := m.AppendMessage(ctx, s.ID, model.RoleUser, "hi", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	advance(50 * time.Second)
	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after refresh: %v", err)
	}
	if got.ConversationHistory[len(got.ConversationHistory)-1].Content != "hi" {
		t.Error("mutation not visible")
	}

	intent := model.IntentGeneralInfo
	if _, err := m.Update(ctx, s.ID, Patch{CurrentIntent: &intent}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	advance(50 * time.Second)
	if _, err := m.Get(ctx, s.ID); err != nil {
		t.Fatalf("Get after update refresh: %v", err)
	}

	advance(2 * time.Minute)
	if _, err := m.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestUpdate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.Create(ctx, "u1", map[string]any{"a": 1, "b": "x"}, "")

	intent := model.IntentAppointmentBooking
	state := "awaiting_agent"
	got, err := m.Update(ctx, s.ID, Patch{
		MergeContext:  map[string]any{"b": "y", "c": true},
		CurrentIntent: &intent,
		WorkflowState: &state,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Context["b"] != "y" || got.Context["c"] != true {
		t.Errorf("merged context = %v", got.Context)
	}
	if got.CurrentIntent != intent || got.WorkflowState != state {
		t.Errorf("intent/state = %q/%q", got.CurrentIntent, got.WorkflowState)
	}
	if got.Version <= s.Version {
		t.Errorf("Version = %d, want > %d", got.Version, s.Version)
	}

	got, err = m.Update(ctx, s.ID, Patch{Context: map[string]any{"only": "this"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(got.Context) != 1 || got.Context["only"] != "this" {
		t.Errorf("replaced context = %v", got.Context)
	}

	if _, err := m.Update(ctx, "missing", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) err = %v, want ErrNotFound", err)
	}
}

func TestReplaceMessageByCorrelation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.Create(ctx, "u1", nil, "")

	m.AppendMessage(ctx, s.ID, model.RoleUser, "what are your hours?", nil)
	m.AppendMessage(ctx, s.ID, model.RoleAssistant, "Let me check.", map[string]any{
		model.MetaCorrelationID: "c1",
		model.MetaStatus:        model.StatusPending,
	})

	found, err := m.ReplaceMessageByCorrelation(ctx, s.ID, "c1", "Our hours are 9-5.")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !found {
		t.Fatal("Replace found = false, want true")
	}

	got, _ := m.Get(ctx, s.ID)
	last := got.ConversationHistory[len(got.ConversationHistory)-1]
	if last.Content != "Our hours are 9-5." {
		t.Errorf("content = %q", last.Content)
	}
	if last.Status() != model.StatusCompleted {
		t.Errorf("status = %q, want completed", last.Status())
	}
	if len(got.ConversationHistory) != 3 {
		t.Errorf("history len = %d, want 3", len(got.ConversationHistory))
	}

	// Same content again is a no-op.
	version := got.Version
	found, err = m.ReplaceMessageByCorrelation(ctx, s.ID, "c1", "Our hours are 9-5.")
	if err != nil || !found {
		t.Fatalf("repeat Replace = %v, %v", found, err)
	}
	again, _ := m.Get(ctx, s.ID)
	if again.Version != version {
		t.Errorf("Version = %d, want unchanged %d", again.Version, version)
	}
}

func TestReplaceMessageByCorrelationMissing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s, _ := m.Create(ctx, "u1", nil, "")

	found, err := m.ReplaceMessageByCorrelation(ctx, s.ID, "nope", "x")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if found {
		t.Error("found = true for unknown correlation id")
	}
}

func TestDeleteAndListByUser(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := m.Create(ctx, "u1", nil, "a")
	b, _ := m.Create(ctx, "u1", nil, "b")
	m.Create(ctx, "u2", nil, "c")

	ids, err := m.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListByUser = %v, want 2 ids", ids)
	}

	n, err := m.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 3 {
		t.Errorf("CountActive = %d, want 3", n)
	}

	if err := m.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, a.ID); err != nil {
		t.Errorf("Delete twice: %v", err)
	}
	ids, _ = m.ListByUser(ctx, "u1")
	if len(ids) != 1 || ids[0] != b.ID {
		t.Errorf("ListByUser after delete = %v, want [%s]", ids, b.ID)
	}
	if n, _ := m.CountActive(ctx); n != 2 {
		t.Errorf("CountActive after delete = %d, want 2", n)
	}
}
