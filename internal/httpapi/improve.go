package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/foreman/internal/improve"
)

type startImproveRequest struct {
	Direction       string  `json:"direction"`
	TotalIterations int     `json:"total_iterations"`
	BatchSize       int     `json:"batch_size"`
	MaxCostUSD      float64 `json:"max_cost_usd"`
	WorkingDir      string  `json:"working_dir"`
}

type resumeImproveRequest struct {
	MaxCostUSD float64 `json:"max_cost_usd"`
}

func (s *Server) improveEnabled(w http.ResponseWriter) bool {
	if s.improve == nil {
		respondError(w, http.StatusNotImplemented, "improve_disabled", "Improve loops are disabled.")
		return false
	}
	return true
}

func (s *Server) handleStartImprove(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req startImproveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	workDir := strings.TrimSpace(req.WorkingDir)
	if workDir == "" {
		workDir = s.sessions.Ensure(conv).WorkingDir
	}

	st, err := s.improve.Start(r.Context(), conv, improve.StartRequest{
		Direction:       req.Direction,
		TotalIterations: req.TotalIterations,
		BatchSize:       req.BatchSize,
		MaxCostUSD:      req.MaxCostUSD,
		WorkingDir:      workDir,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

func (s *Server) handleImproveStatus(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	st, err := s.improve.Status(r.Context(), conv)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleListImprove(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	states, err := s.improve.List(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"loops": states})
}

func (s *Server) handleStopImprove(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	st, err := s.improve.Stop(r.Context(), conv)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleResumeImprove(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req resumeImproveRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MaxCostUSD < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_cost_usd must not be negative")
		return
	}
	st, err := s.improve.Resume(r.Context(), conv, req.MaxCostUSD)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelImprove(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	st, err := s.improve.Cancel(r.Context(), conv)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCleanupImprove(w http.ResponseWriter, r *http.Request) {
	if !s.improveEnabled(w) {
		return
	}
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	if err := s.improve.Cleanup(r.Context(), conv); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv,
		"deleted":         true,
	})
}
