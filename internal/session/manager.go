package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/foreman/internal/tasks"
)

type Status string

const (
	StatusActive Status = "active"
	// StatusIdle means the runner session expired; the next task starts a fresh one.
	StatusIdle Status = "idle"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrInvalidDirectory = errors.New("working directory is not a directory")
)

// Session is the per-conversation context carried between runner invocations.
type Session struct {
	ConversationID  tasks.ConversationID `json:"conversation_id"`
	Status          Status               `json:"status"`
	WorkingDir      string               `json:"working_dir"`
	RunnerSessionID string               `json:"runner_session_id,omitempty"`
	TaskCount       int                  `json:"task_count"`
	TotalCostUSD    float64              `json:"total_cost_usd"`
	StartedAt       time.Time            `json:"started_at"`
	LastActivityAt  time.Time            `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[tasks.ConversationID]*Session
	defaultWorkingDir string
	inactivityTimeout time.Duration
	onExpire          func(Session)
	now               func() time.Time
}

func NewManager(defaultWorkingDir string, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[tasks.ConversationID]*Session),
		defaultWorkingDir: strings.TrimSpace(defaultWorkingDir),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Ensure returns the session for conv, creating it with the default working directory.
func (m *Manager) Ensure(conv tasks.ConversationID) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ensureLocked(conv)
}

func (m *Manager) Get(conv tasks.ConversationID) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conv]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// SetWorkingDir switches the conversation to dir. Changing directory drops the runner
// session, since it belongs to the previous tree.
func (m *Manager) SetWorkingDir(conv tasks.ConversationID, dir string) (Session, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return Session{}, errors.New("working directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Session{}, fmt.Errorf("resolve working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Session{}, fmt.Errorf("working directory check failed: %w", err)
	}
	if !info.IsDir() {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidDirectory, abs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ensureLocked(conv)
	if s.WorkingDir != abs {
		s.RunnerSessionID = ""
	}
	s.WorkingDir = abs
	s.Status = StatusActive
	s.LastActivityAt = m.now()
	return *s, nil
}

// RecordResult stores what a finished runner invocation reported.
func (m *Manager) RecordResult(conv tasks.ConversationID, runnerSessionID string, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ensureLocked(conv)
	if id := strings.TrimSpace(runnerSessionID); id != "" {
		s.RunnerSessionID = id
	}
	s.TaskCount++
	s.TotalCostUSD += costUSD
	s.Status = StatusActive
	s.LastActivityAt = m.now()
}

func (m *Manager) ClearRunnerSession(conv tasks.ConversationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conv]; ok {
		s.RunnerSessionID = ""
	}
}

func (m *Manager) Touch(conv tasks.ConversationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ensureLocked(conv)
	s.Status = StatusActive
	s.LastActivityAt = m.now()
}

// RunJanitor expires idle runner sessions until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.expireInactive()
		}
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusIdle
		s.RunnerSessionID = ""
		expired = append(expired, *s)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) ensureLocked(conv tasks.ConversationID) *Session {
	if s, ok := m.sessions[conv]; ok {
		return s
	}
	now := m.now()
	s := &Session{
		ConversationID: conv,
		Status:         StatusActive,
		WorkingDir:     m.defaultWorkingDir,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[conv] = s
	return s
}
