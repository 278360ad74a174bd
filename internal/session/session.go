// Package session keeps per-conversation state in a store.Store with a
// sliding expiry.
//
// Every mutation is a read-modify-write of the whole record and the last
// writer wins. The synchronous chat path and the asynchronous result
// listener can both write the same session; with one in-flight request per
// session this is safe, but two concurrent writers can lose an update.
// Session.Version is bumped on every write so lost updates show up in logs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/store"
)

const (
	keyPrefix       = "session:"
	userIndexPrefix = "user_sessions:"
)

var (
	// ErrNotFound is returned when a session does not exist or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned when a stored session cannot be decoded.
	ErrCorrupt = errors.New("session record corrupt")
)

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

// Patch describes a partial session update. Nil fields are left alone.
type Patch struct {
	// Context replaces the whole context map.
	Context map[string]any
	// MergeContext is merged into the context; its keys overwrite existing ones.
	MergeContext  map[string]any
	CurrentIntent *string
	WorkflowState *string
}

// Manager implements the session store operations.
type Manager struct {
	store    store.Store
	logger   *slog.Logger
	ttl      time.Duration
	greeting string
	now      func() time.Time
}

// NewManager creates a session manager. Sessions expire ttl after their last
// mutation. A non-empty greeting is seeded as the first assistant message of
// every new session.
func NewManager(st store.Store, logger *slog.Logger, ttl time.Duration, greeting string) *Manager {
	return &Manager{
		store:    st,
		logger:   logger.With("component", "session"),
		ttl:      ttl,
		greeting: greeting,
		now:      time.Now,
	}
}

// TTL returns the sliding expiry applied on every write.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func sessionKey(id string) string { return keyPrefix + id }

func userIndex(userID string) string { return userIndexPrefix + userID }

// Create stores a new session for userID. If requestedID is empty a new id
// is generated. Creating over an existing id replaces it.
func (m *Manager) Create(ctx context.Context, userID string, initialContext map[string]any, requestedID string) (*model.Session, error) {
	id := requestedID
	if id == "" {
		id = model.NewID()
	}
	now := m.now().UTC()

	s := &model.Session{
		ID:                  id,
		UserID:              userID,
		CreatedAt:           now,
		LastActivity:        now,
		ConversationHistory: []model.Message{},
		Context:             map[string]any{},
		WorkflowState:       model.WorkflowInitial,
	}
	for k, v := range initialContext {
		s.Context[k] = v
	}
	if m.greeting != "" {
		s.Append(model.Message{
			Timestamp: now,
			Role:      model.RoleAssistant,
			Content:   m.greeting,
			Metadata:  map[string]any{model.MetaStatus: model.StatusCompleted},
		})
	}

	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Debug("session created", "session_id", id, "user_id", userID)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := m.store.Get(ctx, sessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session %s: %w: %v", id, ErrCorrupt, err)
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	return &s, nil
}

// Update applies patch and refreshes the expiry.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*model.Session, error) {
	return m.mutate(ctx, id, func(s *model.Session) error {
		if patch.Context != nil {
			s.Context = make(map[string]any, len(patch.Context))
			for k, v := range patch.Context {
				s.Context[k] = v
			}
		}
		for k, v := range patch.MergeContext {
			s.Context[k] = v
		}
		if patch.CurrentIntent != nil {
			s.CurrentIntent = *patch.CurrentIntent
		}
		if patch.WorkflowState != nil {
			s.WorkflowState = *patch.WorkflowState
		}
		return nil
	})
}

// AppendMessage adds a message to the history, dropping the oldest entries
// beyond model.MaxHistory, and refreshes the expiry.
func (m *Manager) AppendMessage(ctx context.Context, id, role, content string, metadata map[string]any) (*model.Session, error) {
	return m.mutate(ctx, id, func(s *model.Session) error {
		meta := make(map[string]any, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
		s.Append(model.Message{
			Timestamp: m.now().UTC(),
			Role:      role,
			Content:   content,
			Metadata:  meta,
		})
		return nil
	})
}

// ReplaceMessageByCorrelation replaces the content of the message carrying
// correlationID and marks it completed. It reports whether such a message
// was found; a missing message is logged and is not an error.
func (m *Manager) ReplaceMessageByCorrelation(ctx context.Context, id, correlationID, content string) (bool, error) {
	return m.CompleteMessage(ctx, id, correlationID, content, nil)
}

// CompleteMessage is ReplaceMessageByCorrelation with extra metadata merged
// into the replaced message. Replacing with identical content and metadata
// is a no-op, so redelivered results do not rewrite the session.
func (m *Manager) CompleteMessage(ctx context.Context, id, correlationID, content string, extra map[string]any) (bool, error) {
	found := false
	_, err := m.mutate(ctx, id, func(s *model.Session) error {
		for i := len(s.ConversationHistory) - 1; i >= 0; i-- {
			msg := &s.ConversationHistory[i]
			if msg.CorrelationID() != correlationID {
				continue
			}
			found = true
			if msg.Content == content && msg.Status() == model.StatusCompleted && containsAll(msg.Metadata, extra) {
				return errNoChange
			}
			if msg.Metadata == nil {
				msg.Metadata = map[string]any{}
			}
			msg.Content = content
			msg.Metadata[model.MetaStatus] = model.StatusCompleted
			msg.Metadata[model.MetaCompletedAt] = m.now().UTC().Format(time.RFC3339Nano)
			for k, v := range extra {
				msg.Metadata[k] = v
			}
			return nil
		}
		return errNoChange
	})
	if err != nil {
		return false, err
	}
	if !found {
		m.logger.Info("no message for correlation id",
			"session_id", id,
			"correlation_id", correlationID,
		)
	}
	return found, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorrupt) {
		return err
	}
	if err := m.store.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if s != nil {
		if err := m.store.RemoveFromIndex(ctx, userIndex(s.UserID), id); err != nil {
			return fmt.Errorf("unindex session %s: %w", id, err)
		}
	}
	m.logger.Debug("session deleted", "session_id", id)
	return nil
}

// CountActive returns the number of unexpired sessions.
func (m *Manager) CountActive(ctx context.Context) (int, error) {
	n, err := m.store.CountPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// ListByUser returns the ids of the user's unexpired sessions. Index entries
// whose session has expired are pruned.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]string, error) {
	members, err := m.store.Members(ctx, userIndex(userID))
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	ids := make([]string, 0, len(members))
	for _, id := range members {
		_, err := m.store.Get(ctx, sessionKey(id))
		if errors.Is(err, store.ErrNotFound) {
			if err := m.store.RemoveFromIndex(ctx, userIndex(userID), id); err != nil {
				m.logger.Warn("prune user index", "user_id", userID, "session_id", id, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check session %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		if errors.Is(err, errNoChange) {
			return s, nil
		}
		return nil, err
	}
	s.LastActivity = m.now().UTC()
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) save(ctx context.Context, s *model.Session) error {
	s.Version++
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := m.store.Set(ctx, sessionKey(s.ID), data, m.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	if err := m.store.AddToIndex(ctx, userIndex(s.UserID), s.ID, m.ttl); err != nil {
		return fmt.Errorf("index session %s: %w", s.ID, err)
	}
	return nil
}

func containsAll(have, want map[string]any) bool {
	for k, v := range want {
		if !reflect.DeepEqual(have[k], v) {
			return false
		}
	}
	return true
}
