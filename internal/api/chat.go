package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/concierge/internal/engine"
	"github.com/seantiz/concierge/internal/model"
)

// chatFailure is the JSON response when a chat turn fails server-side. It
// carries a displayable apology alongside the generic error.
type chatFailure struct {
	Error                string   `json:"error"`
	Response             string   `json:"response"`
	SessionID            string   `json:"session_id,omitempty"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions"`
}

// chatResponse is the JSON response for POST /v1/chat.
type chatResponse struct {
	model.Reply
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Locale == "" {
		req.Locale = r.Header.Get("Accept-Language")
	}

	start := time.Now()
	reply, err := s.engine.ProcessMessage(r.Context(), req)
	if errors.Is(err, engine.ErrEmptyMessage) {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err != nil {
		s.logger.Error("process chat message",
			"user_id", req.UserID,
			"session_id", req.SessionID,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		s.writeJSON(w, http.StatusInternalServerError, chatFailure{
			Error:                "internal error",
			Response:             s.prompts.For(req.Locale).TechnicalDifficulties,
			SessionID:            req.SessionID,
			RequiresHumanHandoff: true,
			SuggestedActions:     []string{model.ActionContactSupport},
		})
		return
	}

	chatReplies.WithLabelValues(reply.Intent, strconv.FormatBool(reply.CorrelationID != "")).Inc()
	s.writeJSON(w, http.StatusOK, chatResponse{
		Reply:            reply,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	})
}
