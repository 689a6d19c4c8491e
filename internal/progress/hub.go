package progress

import (
	"sync"
	"time"

	"github.com/ent0n29/foreman/internal/tasks"
)

const (
	defaultSubscriberBuffer = 256
	defaultHistoryLimit     = 512
)

type UpdateType string

const (
	UpdateQueued            UpdateType = "task.queued"
	UpdateQueueRejected     UpdateType = "task.queue_rejected"
	UpdatePlanningStarted   UpdateType = "planning.started"
	UpdatePlanReady         UpdateType = "planning.plan_ready"
	UpdatePlanningFailed    UpdateType = "planning.failed"
	UpdatePlanCancelled     UpdateType = "plan.cancelled"
	UpdateExecutionStarted  UpdateType = "execution.started"
	UpdateExecutionDone     UpdateType = "execution.completed"
	UpdateExecutionFailed   UpdateType = "execution.failed"
	UpdateCancelled         UpdateType = "task.cancelled"
	UpdateRunnerDelta       UpdateType = "runner.delta"
	UpdateImproveStarted    UpdateType = "improve.started"
	UpdateImprovePlan       UpdateType = "improve.strategic_plan"
	UpdateImproveIteration  UpdateType = "improve.iteration"
	UpdateImproveFinished   UpdateType = "improve.finished"
	UpdateInterruptedResume UpdateType = "interrupted.resumed"
)

type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseIdle      Phase = "idle"
)

// Update is one side-channel progress message for display.
type Update struct {
	Type           UpdateType           `json:"type"`
	ConversationID tasks.ConversationID `json:"conversation_id"`
	Phase          Phase                `json:"phase,omitempty"`
	TaskID         string               `json:"task_id,omitempty"`
	Status         string               `json:"status,omitempty"`
	Detail         string               `json:"detail,omitempty"`
	Text           string               `json:"text,omitempty"`
	CostUSD        float64              `json:"cost_usd,omitempty"`
	DurationMs     int64                `json:"duration_ms,omitempty"`
	QueuedPosition int                  `json:"queued_position,omitempty"`
	Iteration      int                  `json:"iteration,omitempty"`
	At             time.Time            `json:"at"`
}

// Sink receives progress updates. Implementations must not block.
type Sink interface {
	Publish(Update)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(Update) {}

// Hub fans updates out to per-conversation subscribers. A slow subscriber loses its oldest
// buffered updates; Publish never waits on a reader.
type Hub struct {
	mu           sync.Mutex
	bufferSize   int
	historyLimit int
	history      map[tasks.ConversationID][]Update
	subscribers  map[tasks.ConversationID]map[int]chan Update
	nextSubID    int
	dropped      uint64
	now          func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		bufferSize:   defaultSubscriberBuffer,
		historyLimit: defaultHistoryLimit,
		history:      make(map[tasks.ConversationID][]Update),
		subscribers:  make(map[tasks.ConversationID]map[int]chan Update),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Publish(u Update) {
	if u.At.IsZero() {
		u.At = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Deltas are high-volume and only useful live.
	if u.Type != UpdateRunnerDelta {
		hist := append(h.history[u.ConversationID], u)
		if len(hist) > h.historyLimit {
			hist = append([]Update(nil), hist[len(hist)-h.historyLimit:]...)
		}
		h.history[u.ConversationID] = hist
	}

	for _, ch := range h.subscribers[u.ConversationID] {
		h.sendLocked(ch, u)
	}
}

// sendLocked delivers u, evicting the oldest buffered update when the channel is full.
// Senders only run under h.mu, so after one eviction there is room.
func (h *Hub) sendLocked(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
		h.dropped++
	default:
	}
	select {
	case ch <- u:
	default:
		h.dropped++
	}
}

// Subscribe returns a live channel for conv and a cancel func that closes it.
func (h *Hub) Subscribe(conv tasks.ConversationID) (<-chan Update, func()) {
	ch := make(chan Update, h.bufferSize)

	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[conv]; !ok {
		h.subscribers[conv] = make(map[int]chan Update)
	}
	h.subscribers[conv][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[conv]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(h.subscribers, conv)
			}
		})
	}
}

// History returns up to limit of the most recent updates for conv, oldest first.
func (h *Hub) History(conv tasks.ConversationID, limit int) []Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := h.history[conv]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	return append([]Update(nil), hist...)
}

// Forget drops the stored history for conv. Live subscribers keep receiving updates.
func (h *Hub) Forget(conv tasks.ConversationID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.history, conv)
}

func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
