package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/concierge/internal/session"
)

// userSessionsResponse is the JSON response for GET /v1/users/:id/sessions.
type userSessionsResponse struct {
	UserID     string   `json:"user_id"`
	SessionIDs []string `json:"session_ids"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.hub.Disconnect(id)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	ids, err := s.sessions.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list user sessions", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, userSessionsResponse{
		UserID:     userID,
		SessionIDs: ids,
	})
}
