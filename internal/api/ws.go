package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 4096
)

// wsConn adapts a websocket connection to live.Conn with a write deadline
// on every push.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleWebSocket upgrades the request and registers the connection as the
// session's live channel. Client messages are read and discarded; the read
// loop only detects disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	conn := &wsConn{conn: c}
	s.hub.Connect(id, conn)
	liveStreams.WithLabelValues(transportWebSocket).Inc()
	defer s.hub.Release(id, conn)

	c.SetReadLimit(wsMaxMessage)
	_ = c.SetReadDeadline(time.Now().Add(wsPongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "session_id", id, "error", err)
			}
			s.logger.Info("websocket disconnected", "session_id", id)
			return
		}
		s.logger.Debug("websocket message ignored", "session_id", id, "bytes", len(data))
	}
}
