// Package dispatch drives the plan, approve, execute cycle for each conversation and
// advances the conversation's queue when it goes idle.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ent0n29/foreman/internal/execlock"
	"github.com/ent0n29/foreman/internal/intent"
	"github.com/ent0n29/foreman/internal/memory"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/runner"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

const defaultStoreTimeout = 10 * time.Second

type OutcomeKind string

const (
	OutcomePlanningStarted  OutcomeKind = "planning_started"
	OutcomeQueued           OutcomeKind = "queued"
	OutcomeExecutionStarted OutcomeKind = "execution_started"
	OutcomeRevisionStarted  OutcomeKind = "revision_started"
	OutcomePlanCancelled    OutcomeKind = "plan_cancelled"
	OutcomeRejected         OutcomeKind = "rejected"
)

// Outcome is the immediate answer to an intent. Phase results arrive later as progress updates.
type Outcome struct {
	Kind           OutcomeKind          `json:"kind"`
	ConversationID tasks.ConversationID `json:"conversation_id"`
	TaskID         string               `json:"task_id,omitempty"`
	Position       int                  `json:"position,omitempty"`
	Detail         string               `json:"detail,omitempty"`
}

type Deps struct {
	Lock     *execlock.Lock
	Queue    *tasks.Queue
	Plans    *tasks.PlanStore
	Tracker  *tasks.Tracker
	Runner   runner.Runner
	Sessions *session.Manager
	Memory   *memory.Recorder
	Progress progress.Sink
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// StoreTimeout bounds durable writes made from background phases.
	StoreTimeout time.Duration
}

type Dispatcher struct {
	lock         *execlock.Lock
	queue        *tasks.Queue
	plans        *tasks.PlanStore
	tracker      *tasks.Tracker
	runner       runner.Runner
	sessions     *session.Manager
	memory       *memory.Recorder
	progress     progress.Sink
	metrics      *observability.Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time

	gatesMu sync.Mutex
	gates   map[tasks.ConversationID]*sync.Mutex

	wg     conc.WaitGroup
	closed atomic.Bool
}

func New(deps Deps) (*Dispatcher, error) {
	if deps.Runner == nil {
		return nil, errors.New("dispatch: runner is required")
	}
	d := &Dispatcher{
		lock:         deps.Lock,
		queue:        deps.Queue,
		plans:        deps.Plans,
		tracker:      deps.Tracker,
		runner:       deps.Runner,
		sessions:     deps.Sessions,
		memory:       deps.Memory,
		progress:     deps.Progress,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		storeTimeout: deps.StoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		gates:        make(map[tasks.ConversationID]*sync.Mutex),
	}
	if d.lock == nil {
		d.lock = execlock.New(context.Background())
	}
	if d.queue == nil {
		d.queue = tasks.NewQueue(tasks.DefaultQueueCapacity)
	}
	if d.plans == nil {
		d.plans = tasks.NewPlanStore(nil)
	}
	if d.tracker == nil {
		d.tracker = tasks.NewTracker(nil)
	}
	if d.sessions == nil {
		d.sessions = session.NewManager("", 0)
	}
	if d.progress == nil {
		d.progress = progress.Discard{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	if d.storeTimeout <= 0 {
		d.storeTimeout = defaultStoreTimeout
	}
	return d, nil
}

// Handle applies one classified intent. It returns as soon as the intent is admitted; runner
// work continues in the background.
func (d *Dispatcher) Handle(ctx context.Context, conv tasks.ConversationID, in intent.Intent) (Outcome, error) {
	switch in.Kind {
	case intent.KindWorkRequest:
		return d.submitWork(ctx, conv, in)
	case intent.KindApprovePlan:
		d.remember(ctx, conv, memory.RoleUser, in.RawMessage)
		return d.approve(ctx, conv)
	case intent.KindRevisePlan:
		d.remember(ctx, conv, memory.RoleUser, in.RawMessage)
		return d.revise(ctx, conv, in.Feedback)
	case intent.KindCancelPlan:
		d.remember(ctx, conv, memory.RoleUser, in.RawMessage)
		return d.cancelPlan(ctx, conv)
	default:
		return Outcome{}, ErrUnknownIntent
	}
}

func (d *Dispatcher) submitWork(ctx context.Context, conv tasks.ConversationID, in intent.Intent) (Outcome, error) {
	if in.Blocked {
		d.metrics.ObserveTaskEvent("blocked")
		return Outcome{Kind: OutcomeRejected, ConversationID: conv, Detail: in.Reason}, ErrBlocked
	}

	sess := d.sessions.Ensure(conv)
	memoryContext, err := d.memory.Context(ctx, conv)
	if err != nil {
		d.logger.Warn("memory context unavailable", "conversation_id", conv, "error", err)
	}
	d.remember(ctx, conv, memory.RoleUser, in.RawMessage)

	req := tasks.WorkRequest{
		Task:          strings.TrimSpace(in.Task),
		Context:       strings.TrimSpace(in.Context),
		Complexity:    tasks.NormalizeComplexity(in.Complexity),
		WorkingDir:    sess.WorkingDir,
		RawMessage:    in.RawMessage,
		MemoryContext: memoryContext,
	}
	if req.Task == "" {
		return Outcome{}, ErrEmptyTask
	}

	gate := d.gate(conv)
	gate.Lock()
	defer gate.Unlock()

	// Work waits behind a running phase, earlier queued work, and a plan awaiting a decision.
	if d.queue.Len(conv) == 0 && !d.plans.Has(ctx, conv) {
		if tok, err := d.lock.TryAcquire(conv); err == nil {
			id := uuid.NewString()
			d.startPlanning(tok, planJob{id: id, req: req})
			return Outcome{Kind: OutcomePlanningStarted, ConversationID: conv, TaskID: id}, nil
		}
	}

	queued, position, err := d.queue.Enqueue(conv, req)
	if err != nil {
		if errors.Is(err, tasks.ErrQueueFull) {
			d.metrics.ObserveTaskEvent("queue_rejected")
			d.publish(progress.Update{
				Type:           progress.UpdateQueueRejected,
				ConversationID: conv,
				Detail:         req.Task,
			})
		}
		return Outcome{}, err
	}
	d.metrics.ObserveTaskEvent("queued")
	d.publish(progress.Update{
		Type:           progress.UpdateQueued,
		ConversationID: conv,
		TaskID:         queued.ID,
		Detail:         req.Task,
		QueuedPosition: position,
	})
	d.logger.Info("work queued", "conversation_id", conv, "task_id", queued.ID, "position", position)

	// The queue may have been left non-empty while the conversation went idle.
	d.drainLocked(conv)
	return Outcome{Kind: OutcomeQueued, ConversationID: conv, TaskID: queued.ID, Position: position}, nil
}

func (d *Dispatcher) approve(ctx context.Context, conv tasks.ConversationID) (Outcome, error) {
	gate := d.gate(conv)
	gate.Lock()
	defer gate.Unlock()

	tok, err := d.lock.TryAcquire(conv)
	if err != nil {
		return Outcome{}, err
	}
	plan, err := d.plans.Consume(ctx, conv)
	if err != nil {
		d.lock.ReleaseToken(tok)
		return Outcome{}, err
	}
	d.metrics.ObserveTaskEvent("approved")

	id := uuid.NewString()
	d.startExecution(tok, execJob{id: id, plan: plan})
	return Outcome{Kind: OutcomeExecutionStarted, ConversationID: conv, TaskID: id}, nil
}

func (d *Dispatcher) revise(ctx context.Context, conv tasks.ConversationID, feedback string) (Outcome, error) {
	gate := d.gate(conv)
	gate.Lock()
	defer gate.Unlock()

	tok, err := d.lock.TryAcquire(conv)
	if err != nil {
		return Outcome{}, err
	}
	prev, ok, err := d.plans.Get(ctx, conv)
	if err != nil || !ok {
		d.lock.ReleaseToken(tok)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{}, tasks.ErrNoPendingPlan
	}
	d.metrics.ObserveTaskEvent("revision_requested")

	id := uuid.NewString()
	d.startPlanning(tok, planJob{
		id:       id,
		req:      prev.WorkRequest.Clone(),
		prev:     &prev,
		feedback: strings.TrimSpace(feedback),
	})
	return Outcome{Kind: OutcomeRevisionStarted, ConversationID: conv, TaskID: id}, nil
}

func (d *Dispatcher) cancelPlan(ctx context.Context, conv tasks.ConversationID) (Outcome, error) {
	gate := d.gate(conv)
	gate.Lock()
	defer gate.Unlock()

	if d.lock.IsBusy(conv) {
		return Outcome{}, execlock.ErrBusy
	}
	existed, err := d.plans.Cancel(ctx, conv)
	if err != nil {
		return Outcome{}, err
	}
	if !existed {
		return Outcome{}, tasks.ErrNoPendingPlan
	}
	d.metrics.ObserveTaskEvent("plan_cancelled")
	d.publish(progress.Update{
		Type:           progress.UpdatePlanCancelled,
		ConversationID: conv,
		Phase:          progress.PhaseIdle,
	})
	d.drainLocked(conv)
	return Outcome{Kind: OutcomePlanCancelled, ConversationID: conv}, nil
}

// CancelRunning signals whatever currently holds the conversation. Queued work is untouched.
func (d *Dispatcher) CancelRunning(conv tasks.ConversationID) bool {
	return d.lock.Cancel(conv)
}

func (d *Dispatcher) QueueSnapshot(conv tasks.ConversationID) []tasks.QueuedTask {
	return d.queue.Peek(conv)
}

func (d *Dispatcher) CancelQueued(conv tasks.ConversationID, position int) (tasks.QueuedTask, error) {
	removed, ok := d.queue.CancelByPosition(conv, position)
	if !ok {
		return tasks.QueuedTask{}, ErrNoQueuedTask
	}
	d.metrics.ObserveTaskEvent("queue_cancelled")
	return removed, nil
}

func (d *Dispatcher) ClearQueue(conv tasks.ConversationID) int {
	n := d.queue.Clear(conv)
	if n > 0 {
		d.metrics.ObserveTaskEvent("queue_cleared")
	}
	return n
}

func (d *Dispatcher) PendingPlan(ctx context.Context, conv tasks.ConversationID) (tasks.PendingPlan, bool, error) {
	return d.plans.Get(ctx, conv)
}

func (d *Dispatcher) IsBusy(conv tasks.ConversationID) bool {
	return d.lock.IsBusy(conv)
}

// Drain starts planning for the next queued item if the conversation is idle and no plan is
// waiting for a decision.
func (d *Dispatcher) Drain(conv tasks.ConversationID) {
	gate := d.gate(conv)
	gate.Lock()
	defer gate.Unlock()
	d.drainLocked(conv)
}

func (d *Dispatcher) drainLocked(conv tasks.ConversationID) {
	if d.closed.Load() || d.lock.ShuttingDown() {
		return
	}
	ctx, cancel := d.storeContext()
	pending := d.plans.Has(ctx, conv)
	cancel()
	if pending {
		return
	}
	tok, err := d.lock.TryAcquire(conv)
	if err != nil {
		return
	}
	next, ok := d.queue.Dequeue(conv)
	if !ok {
		d.lock.ReleaseToken(tok)
		return
	}
	d.logger.Info("dequeued work", "conversation_id", conv, "task_id", next.ID)
	d.startPlanning(tok, planJob{id: next.ID, req: next.WorkRequest})
}

// Close stops queue draining and waits for background phases to return. Cancel the lock's
// base context first to abort in-flight runner calls.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
	d.wg.Wait()
}

func (d *Dispatcher) gate(conv tasks.ConversationID) *sync.Mutex {
	d.gatesMu.Lock()
	defer d.gatesMu.Unlock()
	g, ok := d.gates[conv]
	if !ok {
		g = &sync.Mutex{}
		d.gates[conv] = g
	}
	return g
}

// spawn runs body in the background. A panic inside body is converted into an error so the
// conversation is always released by finish.
func (d *Dispatcher) spawn(body func() error, finish func(error)) {
	d.wg.Go(func() {
		var err error
		var catcher panics.Catcher
		catcher.Try(func() { err = body() })
		if recovered := catcher.Recovered(); recovered != nil {
			err = recovered.AsError()
		}
		finish(err)
	})
}

func (d *Dispatcher) publish(u progress.Update) {
	if u.At.IsZero() {
		u.At = d.now()
	}
	d.progress.Publish(u)
}

func (d *Dispatcher) remember(ctx context.Context, conv tasks.ConversationID, role memory.Role, text string) {
	if err := d.memory.Remember(ctx, conv, role, text); err != nil {
		d.logger.Warn("memory write failed", "conversation_id", conv, "error", err)
	}
}

func (d *Dispatcher) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.storeTimeout)
}

// invoke calls the runner under tok and maps an aborted token to execlock.ErrCancelled.
func (d *Dispatcher) invoke(tok *execlock.Token, req runner.Request) (runner.Result, error) {
	started := time.Now()
	res, err := d.runner.Invoke(tok.Context(), req)
	outcome := "success"
	switch {
	case err != nil && tok.Cancelled():
		outcome = "cancelled"
		err = execlock.ErrCancelled
	case err != nil:
		outcome = "error"
	case !res.Success:
		outcome = "failure"
	}
	d.metrics.ObserveRunner(string(req.Mode), outcome, time.Since(started), res.CostUSD)
	return res, err
}

func (d *Dispatcher) deltaPublisher(conv tasks.ConversationID, taskID string, phase progress.Phase) runner.DeltaHandler {
	return func(text string) {
		d.publish(progress.Update{
			Type:           progress.UpdateRunnerDelta,
			ConversationID: conv,
			Phase:          phase,
			TaskID:         taskID,
			Text:           text,
		})
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, execlock.ErrCancelled) || errors.Is(err, context.Canceled)
}
