package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("active task record not found")

// Tracker records runner invocations that are in flight so a crash mid-run is observable on
// the next boot. Records written by a previous process are reported by Interrupted.
type Tracker struct {
	mu          sync.Mutex
	store       Store
	live        map[string]ActiveTaskRecord
	interrupted map[string]ActiveTaskRecord
	now         func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:       store,
		live:        make(map[string]ActiveTaskRecord),
		interrupted: make(map[string]ActiveTaskRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Recover loads records left behind by a previous process. Call once before serving.
func (t *Tracker) Recover(ctx context.Context) ([]ActiveTaskRecord, error) {
	if t.store == nil {
		return nil, nil
	}
	records, err := t.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if _, ok := t.live[rec.ID]; ok {
			continue
		}
		t.interrupted[rec.ID] = rec
	}
	return sortRecords(t.interrupted), nil
}

// Start persists rec before the runner is invoked. ID and StartedAt are filled when empty.
func (t *Tracker) Start(ctx context.Context, rec ActiveTaskRecord) (ActiveTaskRecord, error) {
	rec.Task = strings.TrimSpace(rec.Task)
	if rec.Task == "" {
		return ActiveTaskRecord{}, errors.New("task is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store != nil {
		if err := t.store.SaveActiveTask(ctx, rec); err != nil {
			return ActiveTaskRecord{}, fmt.Errorf("save active task %s: %w", rec.ID, err)
		}
	}
	t.live[rec.ID] = rec
	return rec, nil
}

// AttachSession records the runner session id as soon as the runner reports it.
func (t *Tracker) AttachSession(ctx context.Context, id, externalSessionID string) error {
	externalSessionID = strings.TrimSpace(externalSessionID)
	if externalSessionID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.live[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.ExternalSessionID == externalSessionID {
		return nil
	}
	rec.ExternalSessionID = externalSessionID
	if t.store != nil {
		if err := t.store.SaveActiveTask(ctx, rec); err != nil {
			return fmt.Errorf("save active task %s: %w", rec.ID, err)
		}
	}
	t.live[id] = rec
	return nil
}

// Finish removes the record once the runner has returned, whatever the outcome.
func (t *Tracker) Finish(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, id)
	if t.store == nil {
		return nil
	}
	if err := t.store.DeleteActiveTask(ctx, id); err != nil {
		return fmt.Errorf("delete active task %s: %w", id, err)
	}
	return nil
}

// Running returns the records owned by this process.
func (t *Tracker) Running() []ActiveTaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortRecords(t.live)
}

func (t *Tracker) Interrupted() []ActiveTaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortRecords(t.interrupted)
}

func (t *Tracker) GetInterrupted(id string) (ActiveTaskRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.interrupted[id]
	return rec, ok
}

// TakeInterrupted removes an interrupted record so that it is resumed or discarded once.
func (t *Tracker) TakeInterrupted(ctx context.Context, id string) (ActiveTaskRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.interrupted[id]
	if !ok {
		return ActiveTaskRecord{}, ErrRecordNotFound
	}
	if t.store != nil {
		if err := t.store.DeleteActiveTask(ctx, id); err != nil {
			return ActiveTaskRecord{}, fmt.Errorf("delete active task %s: %w", id, err)
		}
	}
	delete(t.interrupted, id)
	return rec, nil
}

func sortRecords(in map[string]ActiveTaskRecord) []ActiveTaskRecord {
	out := make([]ActiveTaskRecord, 0, len(in))
	for _, rec := range in {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
