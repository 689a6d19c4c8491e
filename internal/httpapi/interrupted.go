package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListInterrupted(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": s.dispatcher.Interrupted(),
	})
}

func (s *Server) handleResumeInterrupted(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_record_id", "missing record id")
		return
	}
	out, err := s.dispatcher.ResumeInterrupted(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleDiscardInterrupted(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_record_id", "missing record id")
		return
	}
	rec, err := s.dispatcher.DiscardInterrupted(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
