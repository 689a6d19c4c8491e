package improve

import (
	"context"
	"time"

	"github.com/ent0n29/foreman/internal/tasks"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseIdle      Phase = "idle"
)

type IterationRecord struct {
	Iteration  int     `json:"iteration"`
	Summary    string  `json:"summary"`
	Success    bool    `json:"success"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
	PlanItem   string  `json:"plan_item,omitempty"`
}

// State is the persisted view of one conversation's loop. It is saved after every mutation
// and kept after the loop ends until explicitly cleaned up.
type State struct {
	ConversationID      tasks.ConversationID `json:"conversation_id"`
	Direction           string               `json:"direction"`
	TotalIterations     int                  `json:"total_iterations"`
	CompletedIterations int                  `json:"completed_iterations"`
	Status              Status               `json:"status"`
	WorkingDir          string               `json:"working_dir"`
	History             []IterationRecord    `json:"history"`
	TotalCostUSD        float64              `json:"total_cost_usd"`
	MaxCostUSD          float64              `json:"max_cost_usd"`
	StartedAt           time.Time            `json:"started_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	FinishedAt          *time.Time           `json:"finished_at,omitempty"`
	CurrentPhase        Phase                `json:"current_phase"`
	PauseReason         string               `json:"pause_reason,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	NeedsRestart        bool                 `json:"needs_restart,omitempty"`

	BatchSize            int      `json:"batch_size"`
	StrategicPlan        string   `json:"strategic_plan,omitempty"`
	StrategicPlanItems   []string `json:"strategic_plan_items,omitempty"`
	BatchPlanned         bool     `json:"batch_planned"`
	BatchStart           int      `json:"batch_start"`
	StrategicPlanCostUSD float64  `json:"strategic_plan_cost_usd"`
}

func (s State) Clone() State {
	out := s
	if s.History != nil {
		out.History = append([]IterationRecord(nil), s.History...)
	}
	if s.StrategicPlanItems != nil {
		out.StrategicPlanItems = append([]string(nil), s.StrategicPlanItems...)
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// StateStore persists loop state. Missing states are reported as tasks.ErrStoreNotFound.
type StateStore interface {
	SaveLoopState(ctx context.Context, state State) error
	LoadLoopState(ctx context.Context, conv tasks.ConversationID) (State, error)
	DeleteLoopState(ctx context.Context, conv tasks.ConversationID) (bool, error)
	ListLoopStates(ctx context.Context) ([]State, error)
}
