package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/concierge/internal/model"
)

const (
	// sseKeepAlive is the interval between comment lines that keep proxies
	// from closing an idle stream.
	sseKeepAlive = 25 * time.Second
	// sseWriteWait bounds each write to a client that stopped reading.
	sseWriteWait = 10 * time.Second
)

var errConnClosed = errors.New("connection closed")

// sseConn adapts an event-stream response to live.Conn. Every write carries
// its own deadline. Close never waits for a write in progress; writes after
// Close fail instead of touching a finished response.
type sseConn struct {
	writeMu sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController

	closeOnce sync.Once
	done      chan struct{}
}

func newSSEConn(w http.ResponseWriter) *sseConn {
	return &sseConn{w: w, rc: http.NewResponseController(w), done: make(chan struct{})}
}

func (c *sseConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	eventType := "message"
	if ev, ok := v.(model.LiveEvent); ok {
		eventType = ev.Type
	}
	return c.write(func() error {
		return writeSSEEvent(c.w, eventType, string(data))
	})
}

func (c *sseConn) keepAlive() error {
	return c.write(func() error {
		_, err := fmt.Fprint(c.w, ": keep-alive\n\n")
		return err
	})
}

func (c *sseConn) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if err := c.rc.SetWriteDeadline(time.Now().Add(sseWriteWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return c.flush()
}

func (c *sseConn) flush() error {
	if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// wait blocks until no write is in progress. The handler calls it before
// returning so no write touches a finished response.
func (c *sseConn) wait() {
	c.writeMu.Lock()
	c.writeMu.Unlock()
}

// handleSessionEvents streams live events for a session as server-sent
// events. The session need not exist yet, so clients can subscribe before
// their first chat turn.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	w.WriteHeader(http.StatusOK)
	conn := newSSEConn(w)
	if err := conn.write(func() error { return nil }); err != nil {
		s.logger.Warn("open SSE stream", "session_id", id, "error", err)
		return
	}

	s.hub.Connect(id, conn)
	liveStreams.WithLabelValues(transportSSE).Inc()
	defer func() {
		s.hub.Release(id, conn)
		_ = conn.Close()
		conn.wait()
	}()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return // Client disconnected.
		case <-conn.done:
			return // Replaced, or dropped for falling behind.
		case <-ticker.C:
			if err := conn.keepAlive(); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
