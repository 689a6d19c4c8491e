package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/tasks"
)

// Memory keeps everything in process. State is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	plans  map[tasks.ConversationID]tasks.PendingPlan
	active map[string]tasks.ActiveTaskRecord
	loops  map[tasks.ConversationID]improve.State
}

func NewMemory() *Memory {
	return &Memory{
		plans:  make(map[tasks.ConversationID]tasks.PendingPlan),
		active: make(map[string]tasks.ActiveTaskRecord),
		loops:  make(map[tasks.ConversationID]improve.State),
	}
}

func (m *Memory) SavePlan(_ context.Context, plan tasks.PendingPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ConversationID] = plan.Clone()
	return nil
}

func (m *Memory) LoadPlan(_ context.Context, conv tasks.ConversationID) (tasks.PendingPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[conv]
	if !ok {
		return tasks.PendingPlan{}, tasks.ErrStoreNotFound
	}
	return plan.Clone(), nil
}

func (m *Memory) DeletePlan(_ context.Context, conv tasks.ConversationID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.plans[conv]
	delete(m.plans, conv)
	return ok, nil
}

func (m *Memory) SaveActiveTask(_ context.Context, rec tasks.ActiveTaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[rec.ID] = rec
	return nil
}

func (m *Memory) DeleteActiveTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	return nil
}

func (m *Memory) ListActiveTasks(context.Context) ([]tasks.ActiveTaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tasks.ActiveTaskRecord, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) SaveLoopState(_ context.Context, state improve.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loops[state.ConversationID] = state.Clone()
	return nil
}

func (m *Memory) LoadLoopState(_ context.Context, conv tasks.ConversationID) (improve.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.loops[conv]
	if !ok {
		return improve.State{}, tasks.ErrStoreNotFound
	}
	return state.Clone(), nil
}

func (m *Memory) DeleteLoopState(_ context.Context, conv tasks.ConversationID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[conv]
	delete(m.loops, conv)
	return ok, nil
}

func (m *Memory) ListLoopStates(context.Context) ([]improve.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]improve.State, 0, len(m.loops))
	for _, s := range m.loops {
		out = append(out, s.Clone())
	}
	sortStates(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortStates(in []improve.State) {
	sort.Slice(in, func(i, j int) bool { return in[i].ConversationID < in[j].ConversationID })
}
