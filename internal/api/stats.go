package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	ActiveSessions    int      `json:"active_sessions"`
	ActiveConnections int      `json:"active_websocket_connections"`
	PendingRequests   int      `json:"pending_requests"`
	LLMProviders      []string `json:"llm_providers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	providers := s.providers
	if providers == nil {
		providers = []string{}
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		ActiveSessions:    stats.ActiveSessions,
		ActiveConnections: stats.LiveConnections,
		PendingRequests:   stats.PendingRequests,
		LLMProviders:      providers,
	})
}
