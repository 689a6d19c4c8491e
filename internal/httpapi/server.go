package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/foreman/internal/config"
	"github.com/ent0n29/foreman/internal/dispatch"
	"github.com/ent0n29/foreman/internal/execlock"
	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/intent"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Improve    *improve.Controller
	Sessions   *session.Manager
	Progress   *progress.Hub
	Classifier intent.Classifier
	Metrics    *observability.Metrics
}

type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	improve    *improve.Controller
	sessions   *session.Manager
	hub        *progress.Hub
	classifier intent.Classifier
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("httpapi: dispatcher is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("httpapi: session manager is required")
	}
	if deps.Progress == nil {
		deps.Progress = progress.NewHub()
	}
	if deps.Classifier == nil {
		deps.Classifier = intent.NewRuleClassifier()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		improve:    deps.Improve,
		sessions:   deps.Sessions,
		hub:        deps.Progress,
		classifier: deps.Classifier,
		metrics:    deps.Metrics,
		closing:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only stream progress from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/stats/runner", s.handleRunnerStats)

	r.Route("/v1/conversations/{id}", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Post("/intents", s.handleIntent)
		r.Post("/cancel", s.handleCancelRunning)
		r.Get("/queue", s.handleGetQueue)
		r.Delete("/queue", s.handleClearQueue)
		r.Delete("/queue/{pos}", s.handleCancelQueued)
		r.Get("/plan", s.handleGetPlan)
		r.Get("/session", s.handleGetSession)
		r.Put("/workdir", s.handleSetWorkingDir)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/ws", s.handleEventsWS)

		r.Post("/improve", s.handleStartImprove)
		r.Get("/improve", s.handleImproveStatus)
		r.Delete("/improve", s.handleCleanupImprove)
		r.Post("/improve/stop", s.handleStopImprove)
		r.Post("/improve/resume", s.handleResumeImprove)
		r.Post("/improve/cancel", s.handleCancelImprove)
	})
	r.Get("/v1/improve", s.handleListImprove)

	r.Get("/v1/interrupted", s.handleListInterrupted)
	r.Post("/v1/interrupted/{id}/resume", s.handleResumeInterrupted)
	r.Delete("/v1/interrupted/{id}", s.handleDiscardInterrupted)

	return r
}

// Close ends open event streams. http.Server.Shutdown does not wait on hijacked connections.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"store_driver": s.cfg.StoreDriver,
		"runner_mode":  s.cfg.RunnerMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-s.closing:
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	default:
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_driver":    s.cfg.StoreDriver,
		"active_sessions": s.sessions.ActiveCount(),
		"improve_enabled": s.improve != nil,
	})
}

func (s *Server) handleRunnerStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.RunnerSnapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps domain errors onto HTTP status codes.
func respondFailure(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	respondError(w, status, code, err.Error())
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, tasks.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, tasks.ErrNoPendingPlan):
		return http.StatusNotFound, "no_pending_plan"
	case errors.Is(err, execlock.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, tasks.ErrUnrecoverable):
		return http.StatusUnprocessableEntity, "unrecoverable"
	case errors.Is(err, tasks.ErrRecordNotFound):
		return http.StatusNotFound, "interrupted_task_not_found"
	case errors.Is(err, dispatch.ErrBlocked):
		return http.StatusUnprocessableEntity, "blocked"
	case errors.Is(err, dispatch.ErrNoQueuedTask):
		return http.StatusNotFound, "queued_task_not_found"
	case errors.Is(err, dispatch.ErrUnknownIntent), errors.Is(err, dispatch.ErrEmptyTask):
		return http.StatusBadRequest, "invalid_intent"
	case errors.Is(err, improve.ErrNotFound):
		return http.StatusNotFound, "improve_loop_not_found"
	case errors.Is(err, improve.ErrActive):
		return http.StatusConflict, "improve_loop_active"
	case errors.Is(err, improve.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, improve.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func conversationParam(w http.ResponseWriter, r *http.Request) (tasks.ConversationID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return 0, false
	}
	conv, err := tasks.ParseConversationID(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation id must be an integer")
		return 0, false
	}
	return conv, true
}

func limitParam(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
