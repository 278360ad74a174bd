package api

import "net/http"

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.routes.List())
}
