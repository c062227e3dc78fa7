package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scanforge/scanforge/internal/store"
)

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	q, err := s.guard.Snapshot(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no quota record for user")
		return
	}
	if err != nil {
		s.logger.Error("get quota", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get quota")
		return
	}

	s.writeJSON(w, http.StatusOK, q)
}
