package memory

import (
	"context"
	"time"

	"github.com/ent0n29/foreman/internal/tasks"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID             string               `json:"id"`
	ConversationID tasks.ConversationID `json:"conversation_id"`
	Role           Role                 `json:"role"`
	Content        string               `json:"content"`
	PIIRedacted    bool                 `json:"pii_redacted"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Store persists and retrieves conversational memory.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, conv tasks.ConversationID, limit int) ([]TurnRecord, error)
	Close() error
}
