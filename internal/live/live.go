// Package live tracks the push connection of each session and delivers
// asynchronous results to it.
package live

import (
	"log/slog"
	"sync"
)

// outboxSize is the number of pushes queued per connection. A connection
// that falls this far behind is disconnected.
const outboxSize = 32

// Conn is a client connection that accepts JSON pushes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// entry owns one connection and the writer goroutine that drains its
// outbox, so callers of Send never wait on the network.
type entry struct {
	sessionID string
	conn      Conn
	outbox    chan any

	mu     sync.Mutex
	closed bool
}

func newEntry(sessionID string, conn Conn) *entry {
	return &entry{
		sessionID: sessionID,
		conn:      conn,
		outbox:    make(chan any, outboxSize),
	}
}

// enqueue reports false when the entry is shut or its outbox is full.
func (e *entry) enqueue(v any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.outbox <- v:
		return true
	default:
		return false
	}
}

// shut stops the writer and closes the connection. Queued pushes are
// dropped.
func (e *entry) shut() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.outbox)
	e.mu.Unlock()
	_ = e.conn.Close()
}

// Hub maps session ids to at most one live connection each.
// It is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*entry),
		logger: logger.With("component", "live"),
	}
}

func (h *Hub) writeLoop(e *entry) {
	for v := range e.outbox {
		if err := e.conn.WriteJSON(v); err != nil {
			livePushes.WithLabelValues("failed").Inc()
			h.logger.Warn("live push failed", "session_id", e.sessionID, "error", err)
			h.Release(e.sessionID, e.conn)
			return
		}
		livePushes.WithLabelValues("sent").Inc()
	}
}

// Connect registers conn for sessionID. A previously registered connection
// for the same session is closed and replaced.
func (h *Hub) Connect(sessionID string, conn Conn) {
	e := newEntry(sessionID, conn)
	h.mu.Lock()
	old := h.conns[sessionID]
	h.conns[sessionID] = e
	n := len(h.conns)
	h.mu.Unlock()

	go h.writeLoop(e)

	liveConnections.Set(float64(n))
	if old != nil {
		old.shut()
		h.logger.Info("live connection replaced", "session_id", sessionID)
		return
	}
	h.logger.Info("live connection opened", "session_id", sessionID)
}

// Disconnect closes and removes the connection for sessionID, if any.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	e, ok := h.conns[sessionID]
	delete(h.conns, sessionID)
	n := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	liveConnections.Set(float64(n))
	e.shut()
	h.logger.Info("live connection closed", "session_id", sessionID)
}

// Release disconnects sessionID only if conn is still its registered
// connection. Reader loops call it on exit so they never drop a newer
// connection that replaced theirs.
func (h *Hub) Release(sessionID string, conn Conn) {
	h.mu.Lock()
	e, ok := h.conns[sessionID]
	if !ok || e.conn != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, sessionID)
	n := len(h.conns)
	h.mu.Unlock()

	liveConnections.Set(float64(n))
	e.shut()
	h.logger.Info("live connection released", "session_id", sessionID)
}

// Send queues msg for the session's connection without waiting for the
// write. It reports false when the session has no connection or its outbox
// is full; a connection that cannot keep up is disconnected. Write errors
// surface later and also disconnect.
func (h *Hub) Send(sessionID string, msg any) bool {
	h.mu.RLock()
	e, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if !e.enqueue(msg) {
		livePushes.WithLabelValues("dropped").Inc()
		h.logger.Warn("live connection not keeping up, disconnecting", "session_id", sessionID)
		h.Release(sessionID, e.conn)
		return false
	}
	return true
}

// Broadcast queues msg for every connection and returns how many accepted
// it. Failing connections are disconnected without affecting the rest.
func (h *Hub) Broadcast(msg any) int {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if h.Send(id, msg) {
			sent++
		}
	}
	return sent
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// IsConnected reports whether sessionID has a live connection.
func (h *Hub) IsConnected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sessionID]
	return ok
}

// CloseAll disconnects every session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*entry)
	h.mu.Unlock()

	liveConnections.Set(0)
	for _, e := range conns {
		e.shut()
	}
}
