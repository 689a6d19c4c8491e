package tasks

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultQueueCapacity = 5

// Queue holds work that arrived while a conversation was busy. Order is strict arrival order.
type Queue struct {
	mu       sync.Mutex
	capacity int
	pending  map[ConversationID][]QueuedTask
	now      func() time.Time
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 || capacity > DefaultQueueCapacity {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		pending:  make(map[ConversationID][]QueuedTask),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) Capacity() int {
	return q.capacity
}

// Enqueue appends req and returns the stored entry with its 1-based position.
// A full queue rejects the entry and leaves existing entries untouched.
func (q *Queue) Enqueue(conv ConversationID, req WorkRequest) (QueuedTask, int, error) {
	if strings.TrimSpace(req.Task) == "" {
		return QueuedTask{}, 0, errors.New("task is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending[conv]) >= q.capacity {
		return QueuedTask{}, 0, ErrQueueFull
	}
	req.Complexity = NormalizeComplexity(req.Complexity)
	entry := QueuedTask{
		ID:             uuid.NewString(),
		ConversationID: conv,
		WorkRequest:    req.Clone(),
		QueuedAt:       q.now(),
	}
	q.pending[conv] = append(q.pending[conv], entry)
	return entry.Clone(), len(q.pending[conv]), nil
}

func (q *Queue) Dequeue(conv ConversationID) (QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[conv]
	if len(queue) == 0 {
		return QueuedTask{}, false
	}
	head := queue[0]
	q.setLocked(conv, queue[1:])
	return head, true
}

// Peek returns a copy of the queued entries in order.
func (q *Queue) Peek(conv ConversationID) []QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[conv]
	out := make([]QueuedTask, len(queue))
	for i := range queue {
		out[i] = queue[i].Clone()
	}
	return out
}

func (q *Queue) Len(conv ConversationID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[conv])
}

// Total returns the number of queued entries across all conversations.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, queue := range q.pending {
		n += len(queue)
	}
	return n
}

// CancelByPosition removes the entry at the 1-based position.
func (q *Queue) CancelByPosition(conv ConversationID, position int) (QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[conv]
	if position < 1 || position > len(queue) {
		return QueuedTask{}, false
	}
	removed := queue[position-1]
	out := make([]QueuedTask, 0, len(queue)-1)
	out = append(out, queue[:position-1]...)
	out = append(out, queue[position:]...)
	q.setLocked(conv, out)
	return removed, true
}

func (q *Queue) Clear(conv ConversationID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[conv])
	delete(q.pending, conv)
	return n
}

func (q *Queue) setLocked(conv ConversationID, queue []QueuedTask) {
	if len(queue) == 0 {
		delete(q.pending, conv)
		return
	}
	q.pending[conv] = append([]QueuedTask(nil), queue...)
}
