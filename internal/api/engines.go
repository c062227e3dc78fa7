package api

import (
	"net/http"

	"github.com/scanforge/scanforge/internal/recog"
)

// listEnginesResponse is the JSON response for GET /v1/engines.
type listEnginesResponse struct {
	Engines []recog.EngineInfo `json:"engines"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	engines := s.registry.List(capability)
	if engines == nil {
		engines = []recog.EngineInfo{}
	}
	s.writeJSON(w, http.StatusOK, listEnginesResponse{Engines: engines})
}
