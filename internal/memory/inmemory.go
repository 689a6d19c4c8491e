package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/foreman/internal/tasks"
)

const defaultInMemoryTurnLimit = 200

// InMemoryStore keeps the most recent turns per conversation in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	maxTurns int
	records  map[tasks.ConversationID][]TurnRecord
}

func NewInMemoryStore(maxTurns int) *InMemoryStore {
	if maxTurns <= 0 {
		maxTurns = defaultInMemoryTurnLimit
	}
	return &InMemoryStore{
		maxTurns: maxTurns,
		records:  make(map[tasks.ConversationID][]TurnRecord),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := append(s.records[record.ConversationID], record)
	if len(arr) > s.maxTurns {
		arr = append([]TurnRecord(nil), arr[len(arr)-s.maxTurns:]...)
	}
	s.records[record.ConversationID] = arr
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, conv tasks.ConversationID, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[conv]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
