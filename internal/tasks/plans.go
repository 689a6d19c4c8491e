package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// PlanStore keeps at most one plan awaiting a decision per conversation. Every mutation is
// written through to the durable store before it returns, and reads fall back to the store
// when the cache is cold (after a restart).
type PlanStore struct {
	mu    sync.Mutex
	store Store
	plans map[ConversationID]PendingPlan
	now   func() time.Time
}

func NewPlanStore(store Store) *PlanStore {
	return &PlanStore{
		store: store,
		plans: make(map[ConversationID]PendingPlan),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Set stores plan, replacing any existing one for the conversation.
func (p *PlanStore) Set(ctx context.Context, plan PendingPlan) error {
	if strings.TrimSpace(plan.PlanText) == "" {
		return errors.New("plan_text is required")
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = p.now()
	}
	plan.Complexity = NormalizeComplexity(plan.Complexity)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		if err := p.store.SavePlan(ctx, plan.Clone()); err != nil {
			return fmt.Errorf("save plan for conversation %s: %w", plan.ConversationID, err)
		}
	}
	p.plans[plan.ConversationID] = plan.Clone()
	return nil
}

// Get returns the pending plan without removing it.
func (p *PlanStore) Get(ctx context.Context, conv ConversationID) (PendingPlan, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok, err := p.lookupLocked(ctx, conv)
	if err != nil || !ok {
		return PendingPlan{}, false, err
	}
	return plan.Clone(), true, nil
}

func (p *PlanStore) Has(ctx context.Context, conv ConversationID) bool {
	_, ok, err := p.Get(ctx, conv)
	return ok && err == nil
}

// Consume removes and returns the pending plan. It is the only way a plan reaches execution,
// so a second approval of the same plan observes ErrNoPendingPlan.
func (p *PlanStore) Consume(ctx context.Context, conv ConversationID) (PendingPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok, err := p.lookupLocked(ctx, conv)
	if err != nil {
		return PendingPlan{}, err
	}
	if !ok {
		return PendingPlan{}, ErrNoPendingPlan
	}
	if p.store != nil {
		if _, err := p.store.DeletePlan(ctx, conv); err != nil {
			return PendingPlan{}, fmt.Errorf("delete plan for conversation %s: %w", conv, err)
		}
	}
	delete(p.plans, conv)
	return plan, nil
}

// Cancel deletes the pending plan and reports whether one existed.
func (p *PlanStore) Cancel(ctx context.Context, conv ConversationID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, cached := p.plans[conv]
	deleted := false
	if p.store != nil {
		var err error
		if deleted, err = p.store.DeletePlan(ctx, conv); err != nil {
			return false, fmt.Errorf("delete plan for conversation %s: %w", conv, err)
		}
	}
	delete(p.plans, conv)
	return cached || deleted, nil
}

func (p *PlanStore) lookupLocked(ctx context.Context, conv ConversationID) (PendingPlan, bool, error) {
	if plan, ok := p.plans[conv]; ok {
		return plan, true, nil
	}
	if p.store == nil {
		return PendingPlan{}, false, nil
	}
	plan, err := p.store.LoadPlan(ctx, conv)
	if errors.Is(err, ErrStoreNotFound) {
		return PendingPlan{}, false, nil
	}
	if err != nil {
		return PendingPlan{}, false, fmt.Errorf("load plan for conversation %s: %w", conv, err)
	}
	p.plans[conv] = plan.Clone()
	return plan, true, nil
}
