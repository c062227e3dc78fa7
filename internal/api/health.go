package api

import "net/http"

// handleHealthz reports process liveness only. Per-engine health is its own
// concern, served by /v1/engines.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
