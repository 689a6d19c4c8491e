package tasks

import (
	"strconv"
	"time"
)

// ConversationID identifies one chat. All serialization is per conversation.
type ConversationID int64

func (c ConversationID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// ParseConversationID parses the decimal form produced by String.
func ParseConversationID(raw string) (ConversationID, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return ConversationID(n), nil
}

type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// NormalizeComplexity maps unknown values to moderate.
func NormalizeComplexity(c Complexity) Complexity {
	switch c {
	case ComplexityTrivial, ComplexityModerate, ComplexityComplex:
		return c
	default:
		return ComplexityModerate
	}
}

// WorkRequest is the payload shared by queued tasks and pending plans.
type WorkRequest struct {
	Task          string     `json:"task"`
	Context       string     `json:"context,omitempty"`
	Complexity    Complexity `json:"complexity"`
	WorkingDir    string     `json:"working_dir"`
	RawMessage    string     `json:"raw_message,omitempty"`
	MemoryContext []string   `json:"memory_context,omitempty"`
}

type QueuedTask struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	WorkRequest
	QueuedAt time.Time `json:"queued_at"`
}

type PendingPlan struct {
	ConversationID ConversationID `json:"conversation_id"`
	WorkRequest
	PlanText      string    `json:"plan_text"`
	CreatedAt     time.Time `json:"created_at"`
	RevisionCount int       `json:"revision_count"`
}

type ActiveTaskRecord struct {
	ID                string         `json:"id"`
	ConversationID    ConversationID `json:"conversation_id"`
	Task              string         `json:"task"`
	WorkingDir        string         `json:"working_dir"`
	ExternalSessionID string         `json:"external_session_id,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
}

// Resumable reports whether the runner reported a session before the record was left behind.
func (r ActiveTaskRecord) Resumable() bool {
	return r.ExternalSessionID != ""
}

func (w WorkRequest) Clone() WorkRequest {
	out := w
	if w.MemoryContext != nil {
		out.MemoryContext = make([]string, len(w.MemoryContext))
		copy(out.MemoryContext, w.MemoryContext)
	}
	return out
}

func (q QueuedTask) Clone() QueuedTask {
	out := q
	out.WorkRequest = q.WorkRequest.Clone()
	return out
}

func (p PendingPlan) Clone() PendingPlan {
	out := p
	out.WorkRequest = p.WorkRequest.Clone()
	return out
}
