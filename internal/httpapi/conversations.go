package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/foreman/internal/dispatch"
	"github.com/ent0n29/foreman/internal/intent"
)

type messageRequest struct {
	Text string `json:"text"`
}

type intentResponse struct {
	Intent  intent.Intent    `json:"intent"`
	Outcome dispatch.Outcome `json:"outcome"`
}

type workDirRequest struct {
	WorkingDir string `json:"working_dir"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	_, planPending, err := s.dispatcher.PendingPlan(r.Context(), conv)
	if err != nil {
		respondFailure(w, err)
		return
	}
	in := s.classifier.Classify(req.Text, planPending)
	s.dispatch(w, r, in)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var in intent.Intent
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if in.Kind == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "kind is required")
		return
	}
	s.dispatch(w, r, in)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, in intent.Intent) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	s.sessions.Touch(conv)
	out, err := s.dispatcher.Handle(r.Context(), conv, in)
	if err != nil {
		status, code := statusForError(err)
		if errors.Is(err, dispatch.ErrBlocked) && in.Reason != "" {
			respondError(w, status, code, in.Reason)
			return
		}
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, intentResponse{Intent: in, Outcome: out})
}

func (s *Server) handleCancelRunning(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	cancelled := s.dispatcher.CancelRunning(conv)
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv,
		"cancelled":       cancelled,
	})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv,
		"busy":            s.dispatcher.IsBusy(conv),
		"tasks":           s.dispatcher.QueueSnapshot(conv),
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv,
		"cleared":         s.dispatcher.ClearQueue(conv),
	})
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	pos, err := strconv.Atoi(strings.TrimSpace(chi.URLParam(r, "pos")))
	if err != nil || pos <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_position", "position must be a positive integer")
		return
	}
	removed, err := s.dispatcher.CancelQueued(conv, pos)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, removed)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	plan, found, err := s.dispatcher.PendingPlan(r.Context(), conv)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "no_pending_plan", "no plan is awaiting a decision")
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(conv)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSetWorkingDir(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req workDirRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.SetWorkingDir(conv, req.WorkingDir)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_working_dir", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
