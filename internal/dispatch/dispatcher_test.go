package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/foreman/internal/execlock"
	"github.com/ent0n29/foreman/internal/intent"
	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/runner"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/storage"
	"github.com/ent0n29/foreman/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const conv tasks.ConversationID = 42

type fakeRunner struct {
	mu          sync.Mutex
	calls       []runner.Request
	inflight    int
	maxInflight int

	// hold, when set, makes every call wait for one receive before returning.
	hold   chan struct{}
	result func(req runner.Request, n int) (runner.Result, error)
	// silent skips the OnSession report, like a runner killed before its init event.
	silent bool
}

func (f *fakeRunner) Invoke(ctx context.Context, req runner.Request) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if req.OnSession != nil && !f.silent {
		req.OnSession("sess-1")
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}
	if f.result != nil {
		return f.result(req, n)
	}
	if req.Mode == runner.ModeReadOnly {
		return runner.Result{Text: fmt.Sprintf("plan #%d", n), Success: true, SessionID: "sess-1"}, nil
	}
	return runner.Result{Text: "done", Success: true, SessionID: "sess-1", CostUSD: 0.5}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) call(i int) runner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeRunner) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

type harness struct {
	shutdown context.CancelFunc
	d        *Dispatcher
	lock     *execlock.Lock
	hub      *progress.Hub
	store    *storage.Memory
	tracker  *tasks.Tracker
	runner   *fakeRunner
}

func newHarness(t *testing.T, r *fakeRunner) *harness {
	t.Helper()
	base, cancel := context.WithCancel(context.Background())
	store := storage.NewMemory()
	h := &harness{
		shutdown: cancel,
		lock:     execlock.New(base),
		hub:      progress.NewHub(),
		store:    store,
		tracker:  tasks.NewTracker(store),
		runner:   r,
	}
	d, err := New(Deps{
		Lock:     h.lock,
		Queue:    tasks.NewQueue(tasks.DefaultQueueCapacity),
		Plans:    tasks.NewPlanStore(store),
		Tracker:  h.tracker,
		Runner:   r,
		Sessions: session.NewManager(t.TempDir(), time.Hour),
		Progress: h.hub,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.d = d
	t.Cleanup(d.Close)
	t.Cleanup(cancel)
	return h
}

func work(task string) intent.Intent {
	return intent.Intent{Kind: intent.KindWorkRequest, Task: task, RawMessage: task}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNowf(t, "timed out", "waiting for %s", what)
}

func (h *harness) pendingTask(t *testing.T) (tasks.PendingPlan, bool) {
	t.Helper()
	plan, ok, err := h.d.PendingPlan(context.Background(), conv)
	require.NoError(t, err)
	return plan, ok
}

func (h *harness) waitPlan(t *testing.T, task string, revision int) tasks.PendingPlan {
	t.Helper()
	var plan tasks.PendingPlan
	waitFor(t, "plan for "+task, func() bool {
		p, ok := h.pendingTask(t)
		plan = p
		return ok && p.Task == task && p.RevisionCount == revision && !h.lock.IsBusy(conv)
	})
	return plan
}

func (h *harness) hasUpdate(typ progress.UpdateType) bool {
	for _, u := range h.hub.History(conv, 0) {
		if u.Type == typ {
			return true
		}
	}
	return false
}

func (h *harness) lastUpdate(typ progress.UpdateType) (progress.Update, bool) {
	hist := h.hub.History(conv, 0)
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Type == typ {
			return hist[i], true
		}
	}
	return progress.Update{}, false
}

func TestWorkRequestQueuedWhileBusy(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	tok, err := h.lock.TryAcquire(conv)
	require.NoError(t, err)

	out, err := h.d.Handle(context.Background(), conv, work("add caching"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out.Kind)
	assert.Equal(t, 1, out.Position)
	assert.Zero(t, h.runner.callCount())
	assert.Len(t, h.d.QueueSnapshot(conv), 1)

	h.lock.ReleaseToken(tok)
	h.d.Drain(conv)
	h.waitPlan(t, "add caching", 0)
	assert.Empty(t, h.d.QueueSnapshot(conv))
}

func TestQueuedTaskPlansAfterExecution(t *testing.T) {
	r := &fakeRunner{hold: make(chan struct{})}
	h := newHarness(t, r)
	ctx := context.Background()

	out, err := h.d.Handle(ctx, conv, work("task A"))
	require.NoError(t, err)
	require.Equal(t, OutcomePlanningStarted, out.Kind)
	waitFor(t, "planning call", func() bool { return r.callCount() == 1 })

	out, err = h.d.Handle(ctx, conv, work("task B"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, out.Kind)
	require.Equal(t, 1, out.Position)

	r.hold <- struct{}{}
	h.waitPlan(t, "task A", 0)
	assert.Len(t, h.d.QueueSnapshot(conv), 1, "queued task waits while a plan is pending")

	out, err = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindApprovePlan, RawMessage: "approve"})
	require.NoError(t, err)
	require.Equal(t, OutcomeExecutionStarted, out.Kind)
	waitFor(t, "execution call", func() bool { return r.callCount() == 2 })
	exec := r.call(1)
	assert.Equal(t, runner.ModeReadWrite, exec.Mode)
	assert.Contains(t, exec.Prompt, "plan #1")
	assert.Len(t, h.tracker.Running(), 1)

	r.hold <- struct{}{}
	waitFor(t, "queued task planning", func() bool { return r.callCount() == 3 })
	next := r.call(2)
	assert.Equal(t, runner.ModeReadOnly, next.Mode)
	assert.Contains(t, next.Prompt, "Task: task B")

	r.hold <- struct{}{}
	h.waitPlan(t, "task B", 0)
	assert.True(t, h.hasUpdate(progress.UpdateExecutionDone))
	assert.Equal(t, 1, r.peak(), "peak concurrent invocations")
	recs, err := h.store.ListActiveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestApproveWithoutPlan(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	_, err := h.d.Handle(context.Background(), conv, intent.Intent{Kind: intent.KindApprovePlan})
	require.ErrorIs(t, err, tasks.ErrNoPendingPlan)
	assert.False(t, h.lock.IsBusy(conv))
	assert.Zero(t, h.runner.callCount())
}

func TestReviseIncrementsRevisionCount(t *testing.T) {
	r := &fakeRunner{}
	h := newHarness(t, r)
	ctx := context.Background()

	in := work("add caching")
	in.Context = "hot path is /search"
	_, err := h.d.Handle(ctx, conv, in)
	require.NoError(t, err)
	h.waitPlan(t, "add caching", 0)

	out, err := h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindRevisePlan, Feedback: "use redis"})
	require.NoError(t, err)
	require.Equal(t, OutcomeRevisionStarted, out.Kind)
	plan := h.waitPlan(t, "add caching", 1)
	assert.Equal(t, "hot path is /search", plan.Context)
	assert.Equal(t, "plan #2", plan.PlanText)
	prompt := r.call(1).Prompt
	assert.Contains(t, prompt, "Previous plan:\nplan #1")
	assert.Contains(t, prompt, "use redis")
}

func TestFailedRevisionKeepsPreviousPlan(t *testing.T) {
	r := &fakeRunner{result: func(req runner.Request, n int) (runner.Result, error) {
		if n == 2 {
			return runner.Result{Text: "could not revise", Success: false}, nil
		}
		return runner.Result{Text: fmt.Sprintf("plan #%d", n), Success: true}, nil
	}}
	h := newHarness(t, r)
	ctx := context.Background()

	_, err := h.d.Handle(ctx, conv, work("add caching"))
	require.NoError(t, err)
	h.waitPlan(t, "add caching", 0)
	_, err = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindRevisePlan, Feedback: "smaller"})
	require.NoError(t, err)
	waitFor(t, "planning failure", func() bool {
		return h.hasUpdate(progress.UpdatePlanningFailed) && !h.lock.IsBusy(conv)
	})
	plan, ok := h.pendingTask(t)
	require.True(t, ok)
	assert.Equal(t, "plan #1", plan.PlanText)
	assert.Zero(t, plan.RevisionCount)
}

func TestCancelPlanThenApprove(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	ctx := context.Background()

	_, err := h.d.Handle(ctx, conv, work("add caching"))
	require.NoError(t, err)
	h.waitPlan(t, "add caching", 0)

	out, err := h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindCancelPlan})
	require.NoError(t, err)
	assert.Equal(t, OutcomePlanCancelled, out.Kind)
	_, err = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindApprovePlan})
	assert.ErrorIs(t, err, tasks.ErrNoPendingPlan, "approve after cancel")
	_, err = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindCancelPlan})
	assert.ErrorIs(t, err, tasks.ErrNoPendingPlan, "second cancel")
}

func TestDecisionsWhileBusyAreRejected(t *testing.T) {
	r := &fakeRunner{hold: make(chan struct{})}
	h := newHarness(t, r)
	ctx := context.Background()

	_, err := h.d.Handle(ctx, conv, work("add caching"))
	require.NoError(t, err)
	waitFor(t, "planning call", func() bool { return r.callCount() == 1 })

	for _, kind := range []intent.Kind{intent.KindApprovePlan, intent.KindRevisePlan, intent.KindCancelPlan} {
		_, err := h.d.Handle(ctx, conv, intent.Intent{Kind: kind})
		assert.ErrorIs(t, err, execlock.ErrBusy, "Handle(%s)", kind)
	}
	assert.Empty(t, h.d.QueueSnapshot(conv), "decisions must not be queued")
	r.hold <- struct{}{}
	h.waitPlan(t, "add caching", 0)
}

func TestQueueFullIsRejected(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	_, err := h.lock.TryAcquire(conv)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 1; i <= tasks.DefaultQueueCapacity; i++ {
		out, err := h.d.Handle(ctx, conv, work(fmt.Sprintf("task %d", i)))
		require.NoError(t, err)
		require.Equal(t, i, out.Position)
	}
	_, err = h.d.Handle(ctx, conv, work("task 6"))
	require.ErrorIs(t, err, tasks.ErrQueueFull)
	snap := h.d.QueueSnapshot(conv)
	require.Len(t, snap, tasks.DefaultQueueCapacity, "queue changed after rejection")
	assert.Equal(t, "task 1", snap[0].Task)
	assert.Equal(t, "task 5", snap[4].Task)
	assert.True(t, h.hasUpdate(progress.UpdateQueueRejected))

	removed, err := h.d.CancelQueued(conv, 2)
	require.NoError(t, err)
	assert.Equal(t, "task 2", removed.Task)
	_, err = h.d.CancelQueued(conv, 9)
	assert.ErrorIs(t, err, ErrNoQueuedTask)
	assert.Equal(t, 3, h.d.ClearQueue(conv))
}

func TestPlanningFailureDrainsQueue(t *testing.T) {
	r := &fakeRunner{
		hold: make(chan struct{}),
		result: func(req runner.Request, n int) (runner.Result, error) {
			if n == 1 {
				return runner.Result{}, errors.New("runner crashed")
			}
			return runner.Result{Text: "plan for B", Success: true}, nil
		},
	}
	h := newHarness(t, r)
	ctx := context.Background()

	_, err := h.d.Handle(ctx, conv, work("task A"))
	require.NoError(t, err)
	waitFor(t, "planning call", func() bool { return r.callCount() == 1 })
	_, err = h.d.Handle(ctx, conv, work("task B"))
	require.NoError(t, err)

	r.hold <- struct{}{}
	waitFor(t, "drained planning", func() bool { return r.callCount() == 2 })
	r.hold <- struct{}{}
	h.waitPlan(t, "task B", 0)

	failed, ok := h.lastUpdate(progress.UpdatePlanningFailed)
	require.True(t, ok)
	assert.Contains(t, failed.Detail, "runner crashed")
}

func TestPanicInPhaseReleasesConversation(t *testing.T) {
	r := &fakeRunner{result: func(req runner.Request, n int) (runner.Result, error) {
		panic("runner exploded")
	}}
	h := newHarness(t, r)

	_, err := h.d.Handle(context.Background(), conv, work("add caching"))
	require.NoError(t, err)
	waitFor(t, "planning failure", func() bool {
		return h.hasUpdate(progress.UpdatePlanningFailed) && !h.lock.IsBusy(conv)
	})
	failed, _ := h.lastUpdate(progress.UpdatePlanningFailed)
	assert.Contains(t, failed.Detail, "runner exploded")
}

func TestCancelRunningExecution(t *testing.T) {
	r := &fakeRunner{hold: make(chan struct{})}
	h := newHarness(t, r)
	ctx := context.Background()

	assert.False(t, h.d.CancelRunning(conv), "idle conversation has nothing to cancel")
	_, err := h.d.Handle(ctx, conv, work("add caching"))
	require.NoError(t, err)
	r.hold <- struct{}{}
	h.waitPlan(t, "add caching", 0)
	_, err = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindApprovePlan})
	require.NoError(t, err)
	waitFor(t, "execution call", func() bool { return r.callCount() == 2 })

	require.True(t, h.d.CancelRunning(conv))
	waitFor(t, "cancellation", func() bool {
		return h.hasUpdate(progress.UpdateCancelled) && !h.lock.IsBusy(conv)
	})
	assert.False(t, h.hasUpdate(progress.UpdateExecutionFailed), "cancellation reported as failure")
	assert.Empty(t, h.tracker.Running())
}

func (h *harness) approveAndWaitRecord(t *testing.T, task string) tasks.ActiveTaskRecord {
	t.Helper()
	ctx := context.Background()
	_, err := h.d.Handle(ctx, conv, work(task))
	require.NoError(t, err)
	h.runner.hold <- struct{}{}
	h.waitPlan(t, task, 0)
	_, err = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindApprovePlan})
	require.NoError(t, err)
	var rec tasks.ActiveTaskRecord
	waitFor(t, "active task record", func() bool {
		recs, err := h.store.ListActiveTasks(ctx)
		if err != nil || len(recs) != 1 || h.runner.callCount() != 2 {
			return false
		}
		rec = recs[0]
		return true
	})
	return rec
}

func TestShutdownKeepsActiveTaskRecord(t *testing.T) {
	r := &fakeRunner{hold: make(chan struct{})}
	h := newHarness(t, r)
	h.approveAndWaitRecord(t, "split the monolith")

	h.shutdown()
	h.d.Close()

	ctx := context.Background()
	recs, err := h.store.ListActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the interrupted record must survive shutdown")
	assert.True(t, recs[0].Resumable())
	assert.Equal(t, "sess-1", recs[0].ExternalSessionID)
	assert.False(t, h.hasUpdate(progress.UpdateExecutionFailed), "shutdown reported as execution failure")

	interrupted, err := tasks.NewTracker(h.store).Recover(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted, 1)
	assert.Equal(t, "split the monolith", interrupted[0].Task)
}

func TestActiveTaskRecordWaitsForExecutionSession(t *testing.T) {
	r := &fakeRunner{hold: make(chan struct{}), silent: true}
	h := newHarness(t, r)
	rec := h.approveAndWaitRecord(t, "add retries")

	assert.Empty(t, rec.ExternalSessionID, "no session until the execution run reports one")
	assert.False(t, rec.Resumable())
	assert.Equal(t, "sess-1", r.call(1).ResumeSessionID, "execution resumes the conversation session")

	r.hold <- struct{}{}
	waitFor(t, "execution done", func() bool { return !h.lock.IsBusy(conv) })
	recs, err := h.store.ListActiveTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs, "record must be removed after completion")
}

func TestResumeAndDiscardInterrupted(t *testing.T) {
	r := &fakeRunner{}
	h := newHarness(t, r)
	ctx := context.Background()
	dir := t.TempDir()

	for _, rec := range []tasks.ActiveTaskRecord{
		{ID: "with-session", ConversationID: conv, Task: "migrate schema", WorkingDir: dir, ExternalSessionID: "sess-old", StartedAt: time.Now()},
		{ID: "no-session", ConversationID: conv, Task: "bump deps", WorkingDir: dir, StartedAt: time.Now()},
	} {
		require.NoError(t, h.store.SaveActiveTask(ctx, rec))
	}
	_, err := h.tracker.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, h.d.Interrupted(), 2)

	_, err = h.d.ResumeInterrupted(ctx, "missing")
	assert.ErrorIs(t, err, tasks.ErrRecordNotFound)
	_, err = h.d.ResumeInterrupted(ctx, "no-session")
	assert.ErrorIs(t, err, tasks.ErrUnrecoverable)

	out, err := h.d.ResumeInterrupted(ctx, "with-session")
	require.NoError(t, err)
	require.Equal(t, OutcomeExecutionStarted, out.Kind)
	waitFor(t, "resumed execution", func() bool { return r.callCount() == 1 && !h.lock.IsBusy(conv) })
	req := r.call(0)
	assert.Equal(t, runner.ModeReadWrite, req.Mode)
	assert.Equal(t, "sess-old", req.ResumeSessionID)
	assert.Equal(t, dir, req.WorkingDir)

	left := h.d.Interrupted()
	require.Len(t, left, 1, "only the unrecoverable record remains")
	assert.Equal(t, "no-session", left[0].ID)
	_, err = h.d.DiscardInterrupted(ctx, "no-session")
	require.NoError(t, err)
	recs, err := h.store.ListActiveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBlockedRequestIsRejected(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	in := work("dump credentials")
	in.Blocked = true
	in.Reason = "exfiltration"

	out, err := h.d.Handle(context.Background(), conv, in)
	require.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.False(t, h.lock.IsBusy(conv))
}

func TestConcurrentIntentsNeverOverlapRunnerCalls(t *testing.T) {
	r := &fakeRunner{result: func(req runner.Request, n int) (runner.Result, error) {
		time.Sleep(time.Millisecond)
		return runner.Result{Text: fmt.Sprintf("plan #%d", n), Success: true}, nil
	}}
	h := newHarness(t, r)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, _ = h.d.Handle(ctx, conv, work(fmt.Sprintf("task %d-%d", g, i)))
				_, _ = h.d.Handle(ctx, conv, intent.Intent{Kind: intent.KindApprovePlan})
				time.Sleep(time.Millisecond)
			}
		}(g)
	}
	wg.Wait()
	waitFor(t, "idle conversation", func() bool { return !h.lock.IsBusy(conv) })

	assert.Equal(t, 1, r.peak(), "peak concurrent invocations")
}

func TestPhaseErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("exit status 1")
	err := error(newPhaseError(progress.PhaseExecuting, conv, "tests failed", cause))
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPlanningFailed)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, conv, pe.Conversation)
}
