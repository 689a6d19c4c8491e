// Package improve runs the autonomous improvement loop: a fixed number of read-write runner
// iterations on one conversation, without per-iteration approval, bounded by cost and
// consecutive-failure breakers.
package improve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ent0n29/foreman/internal/execlock"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/runner"
	"github.com/ent0n29/foreman/internal/tasks"
)

const (
	DefaultMaxCostUSD             = 10.0
	DefaultIterationDelay         = 5 * time.Second
	DefaultMaxConsecutiveFailures = 3
	MaxIterations                 = 100

	restartPauseReason = "interrupted by restart"
)

var (
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
	ErrNotFound              = errors.New("improve loop not found")
	ErrActive                = errors.New("improve loop already active")
	ErrInvalidTransition     = errors.New("invalid improve loop transition")
	ErrInvalidRequest        = errors.New("invalid improve request")
)

type Config struct {
	MaxCostUSD             float64
	IterationDelay         time.Duration
	MaxConsecutiveFailures int
	DefaultBatchSize       int
	StoreTimeout           time.Duration
}

type Deps struct {
	Lock     *execlock.Lock
	Runner   runner.Runner
	Store    StateStore
	Progress progress.Sink
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	// OnIdle runs after a loop releases its conversation.
	OnIdle func(tasks.ConversationID)
}

type StartRequest struct {
	Direction       string  `json:"direction"`
	TotalIterations int     `json:"total_iterations"`
	BatchSize       int     `json:"batch_size,omitempty"`
	MaxCostUSD      float64 `json:"max_cost_usd,omitempty"`
	WorkingDir      string  `json:"working_dir"`
}

type loopRun struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func (r *loopRun) signalStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

type Controller struct {
	cfg      Config
	lock     *execlock.Lock
	runner   runner.Runner
	store    StateStore
	progress progress.Sink
	metrics  *observability.Metrics
	logger   *slog.Logger
	onIdle   func(tasks.ConversationID)
	now      func() time.Time

	mu     sync.Mutex
	states map[tasks.ConversationID]State
	runs   map[tasks.ConversationID]*loopRun

	wg conc.WaitGroup
}

func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Runner == nil {
		return nil, errors.New("improve: runner is required")
	}
	if deps.Lock == nil {
		return nil, errors.New("improve: execution lock is required")
	}
	if cfg.MaxCostUSD <= 0 {
		cfg.MaxCostUSD = DefaultMaxCostUSD
	}
	if cfg.IterationDelay < 0 {
		cfg.IterationDelay = 0
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	c := &Controller{
		cfg:      cfg,
		lock:     deps.Lock,
		runner:   deps.Runner,
		store:    deps.Store,
		progress: deps.Progress,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		onIdle:   deps.OnIdle,
		now:      func() time.Time { return time.Now().UTC() },
		states:   make(map[tasks.ConversationID]State),
		runs:     make(map[tasks.ConversationID]*loopRun),
	}
	if c.progress == nil {
		c.progress = progress.Discard{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "improve")
	return c, nil
}

// RecoverOnBoot loads persisted loops. Loops that were running when the process died are
// paused so they only continue on an explicit resume. The returned states are every loop
// waiting on a resume because of a restart, including those paused during shutdown.
func (c *Controller) RecoverOnBoot(ctx context.Context) ([]State, error) {
	if c.store == nil {
		return nil, nil
	}
	states, err := c.store.ListLoopStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list improve loops: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var paused []State
	for _, st := range states {
		if st.Status == StatusPaused && st.PauseReason == restartPauseReason {
			paused = append(paused, st.Clone())
		}
		if st.Status == StatusRunning || st.Status == StatusStopping {
			st.Status = StatusPaused
			st.PauseReason = restartPauseReason
			st.CurrentPhase = PhaseIdle
			st.UpdatedAt = c.now()
			if err := c.store.SaveLoopState(ctx, st); err != nil {
				return nil, fmt.Errorf("pause improve loop %s: %w", st.ConversationID, err)
			}
			paused = append(paused, st.Clone())
		}
		c.states[st.ConversationID] = st
	}
	return paused, nil
}

func (c *Controller) Start(ctx context.Context, conv tasks.ConversationID, req StartRequest) (State, error) {
	req.Direction = strings.TrimSpace(req.Direction)
	if req.Direction == "" {
		return State{}, fmt.Errorf("%w: direction is required", ErrInvalidRequest)
	}
	if req.TotalIterations < 1 || req.TotalIterations > MaxIterations {
		return State{}, fmt.Errorf("%w: total iterations must be between 1 and %d", ErrInvalidRequest, MaxIterations)
	}
	if req.BatchSize <= 0 {
		req.BatchSize = c.cfg.DefaultBatchSize
	}
	if req.BatchSize > req.TotalIterations {
		req.BatchSize = req.TotalIterations
	}
	if req.MaxCostUSD <= 0 {
		req.MaxCostUSD = c.cfg.MaxCostUSD
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[conv]; ok {
		return State{}, ErrActive
	}
	if prev, ok, err := c.lookupLocked(ctx, conv); err != nil {
		return State{}, err
	} else if ok && !prev.Status.Terminal() {
		return State{}, fmt.Errorf("%w: loop is %s", ErrActive, prev.Status)
	}

	tok, err := c.lock.TryAcquire(conv)
	if err != nil {
		return State{}, err
	}
	now := c.now()
	st := State{
		ConversationID:  conv,
		Direction:       req.Direction,
		TotalIterations: req.TotalIterations,
		Status:          StatusRunning,
		WorkingDir:      req.WorkingDir,
		History:         []IterationRecord{},
		MaxCostUSD:      req.MaxCostUSD,
		StartedAt:       now,
		UpdatedAt:       now,
		CurrentPhase:    PhaseIdle,
		BatchSize:       req.BatchSize,
	}
	if err := c.saveLocked(ctx, st); err != nil {
		c.lock.ReleaseToken(tok)
		return State{}, err
	}
	c.metrics.ObserveTaskEvent("improve_started")
	c.publish(progress.Update{
		Type:           progress.UpdateImproveStarted,
		ConversationID: conv,
		Status:         string(st.Status),
		Detail:         st.Direction,
	})
	c.logger.Info("improve loop started", "conversation_id", conv, "iterations", st.TotalIterations, "batch_size", st.BatchSize)
	c.spawnLocked(conv, tok)
	return st.Clone(), nil
}

// Resume re-enters a paused loop at its completed iteration count with a fresh failure budget.
// A positive maxCostUSD replaces the loop's cost limit.
func (c *Controller) Resume(ctx context.Context, conv tasks.ConversationID, maxCostUSD float64) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok, err := c.lookupLocked(ctx, conv)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, ErrNotFound
	}
	if st.Status != StatusPaused {
		return State{}, fmt.Errorf("%w: cannot resume a %s loop", ErrInvalidTransition, st.Status)
	}
	if _, running := c.runs[conv]; running {
		return State{}, ErrActive
	}
	tok, err := c.lock.TryAcquire(conv)
	if err != nil {
		return State{}, err
	}
	st.Status = StatusRunning
	st.PauseReason = ""
	st.ConsecutiveFailures = 0
	st.FinishedAt = nil
	if maxCostUSD > 0 {
		st.MaxCostUSD = maxCostUSD
	}
	if err := c.saveLocked(ctx, st); err != nil {
		c.lock.ReleaseToken(tok)
		return State{}, err
	}
	c.logger.Info("improve loop resumed", "conversation_id", conv, "completed", st.CompletedIterations)
	c.spawnLocked(conv, tok)
	return st.Clone(), nil
}

// Stop lets the current iteration finish and then ends the loop as stopped.
func (c *Controller) Stop(ctx context.Context, conv tasks.ConversationID) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok, err := c.lookupLocked(ctx, conv)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, ErrNotFound
	}
	switch st.Status {
	case StatusRunning:
		st.Status = StatusStopping
		if run, ok := c.runs[conv]; ok {
			run.signalStop()
		}
	case StatusPaused:
		st.Status = StatusStopped
		st.FinishedAt = c.timePtr()
	default:
		return State{}, fmt.Errorf("%w: cannot stop a %s loop", ErrInvalidTransition, st.Status)
	}
	if err := c.saveLocked(ctx, st); err != nil {
		return State{}, err
	}
	return st.Clone(), nil
}

// Cancel ends the loop immediately, aborting the in-flight runner call.
func (c *Controller) Cancel(ctx context.Context, conv tasks.ConversationID) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok, err := c.lookupLocked(ctx, conv)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, ErrNotFound
	}
	if st.Status.Terminal() {
		return State{}, fmt.Errorf("%w: loop already %s", ErrInvalidTransition, st.Status)
	}
	st.Status = StatusCancelled
	if run, ok := c.runs[conv]; ok {
		run.signalStop()
		c.lock.Cancel(conv)
	} else {
		st.CurrentPhase = PhaseIdle
		st.FinishedAt = c.timePtr()
	}
	if err := c.saveLocked(ctx, st); err != nil {
		return State{}, err
	}
	return st.Clone(), nil
}

func (c *Controller) Status(ctx context.Context, conv tasks.ConversationID) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok, err := c.lookupLocked(ctx, conv)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (c *Controller) List(ctx context.Context) ([]State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byConv := make(map[tasks.ConversationID]State, len(c.states))
	if c.store != nil {
		stored, err := c.store.ListLoopStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("list improve loops: %w", err)
		}
		for _, st := range stored {
			byConv[st.ConversationID] = st
		}
	}
	for conv, st := range c.states {
		byConv[conv] = st
	}
	out := make([]State, 0, len(byConv))
	for _, st := range byConv {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// Cleanup deletes the state of a finished loop. Active and paused loops are kept.
func (c *Controller) Cleanup(ctx context.Context, conv tasks.ConversationID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok, err := c.lookupLocked(ctx, conv)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if !st.Status.Terminal() {
		return fmt.Errorf("%w: cannot clean up a %s loop", ErrInvalidTransition, st.Status)
	}
	if c.store != nil {
		if _, err := c.store.DeleteLoopState(ctx, conv); err != nil {
			return fmt.Errorf("delete improve loop %s: %w", conv, err)
		}
	}
	delete(c.states, conv)
	return nil
}

// Wait blocks until the loop for conv exits and returns its final state and exit error.
func (c *Controller) Wait(ctx context.Context, conv tasks.ConversationID) (State, error) {
	c.mu.Lock()
	run, ok := c.runs[conv]
	c.mu.Unlock()
	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return State{}, ctx.Err()
		}
	}
	st, err := c.Status(ctx, conv)
	if err != nil {
		return State{}, err
	}
	if run != nil {
		return st, run.err
	}
	return st, nil
}

// Close waits for running loops. Cancel the lock's base context first to abort them.
func (c *Controller) Close() {
	c.wg.Wait()
}

func (c *Controller) spawnLocked(conv tasks.ConversationID, tok *execlock.Token) {
	run := &loopRun{stop: make(chan struct{}), done: make(chan struct{})}
	c.runs[conv] = run
	c.wg.Go(func() {
		var catcher panics.Catcher
		var err error
		catcher.Try(func() { err = c.run(conv, tok, run) })
		if recovered := catcher.Recovered(); recovered != nil {
			err = recovered.AsError()
			c.finish(conv, StatusFailed, err.Error())
		}
		run.err = err

		c.mu.Lock()
		delete(c.runs, conv)
		c.mu.Unlock()
		if c.onIdle != nil {
			c.onIdle(conv)
		}
		close(run.done)
	})
}

// run drives the loop while holding the conversation. The token is cycled before the
// planning pass and before every iteration so a cancel at a phase boundary is observed.
func (c *Controller) run(conv tasks.ConversationID, tok *execlock.Token, lr *loopRun) (err error) {
	defer func() {
		if tok != nil {
			c.lock.ReleaseToken(tok)
		}
	}()
	log := c.logger.With("conversation_id", conv)

	delayNext := false
	for {
		st := c.snapshot(conv)
		switch {
		case st.Status == StatusCancelled:
			c.finish(conv, StatusCancelled, "")
			return execlock.ErrCancelled
		case st.CompletedIterations >= st.TotalIterations:
			c.finish(conv, StatusCompleted, "")
			return nil
		case st.Status == StatusStopping:
			c.finish(conv, StatusStopped, "")
			return nil
		case c.lock.ShuttingDown():
			return c.interrupt(conv)
		}
		if reason := c.costTripped(st); reason != "" {
			return c.trip(conv, "cost", reason)
		}

		if delayNext && c.cfg.IterationDelay > 0 {
			if !c.delay(tok, lr) {
				continue
			}
		}
		delayNext = false

		if st.BatchSize > 1 && (!st.BatchPlanned || st.CompletedIterations >= st.BatchStart+st.BatchSize) {
			if tok, err = c.lock.Cycle(tok); err != nil {
				return c.abort(conv, err)
			}
			if err := c.planBatch(conv, tok); err != nil {
				return c.abort(conv, err)
			}
			continue
		}

		if tok, err = c.lock.Cycle(tok); err != nil {
			return c.abort(conv, err)
		}
		rec, err := c.iterate(conv, tok)
		if err != nil {
			return c.abort(conv, err)
		}
		log.Info("improve iteration finished", "iteration", rec.Iteration, "success", rec.Success, "cost_usd", rec.CostUSD)
		delayNext = true

		st = c.snapshot(conv)
		if st.ConsecutiveFailures >= c.cfg.MaxConsecutiveFailures {
			return c.trip(conv, "failures", fmt.Sprintf("%d consecutive failed iterations", st.ConsecutiveFailures))
		}
	}
}

// delay waits between iterations. It reports false when the wait was cut short by a stop or
// cancel, so the caller re-checks status first.
func (c *Controller) delay(tok *execlock.Token, lr *loopRun) bool {
	timer := time.NewTimer(c.cfg.IterationDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-lr.stop:
		return false
	case <-tok.Context().Done():
		if !c.lock.ShuttingDown() {
			c.markCancelled(tok.Conversation())
		}
		return false
	}
}

func (c *Controller) planBatch(conv tasks.ConversationID, tok *execlock.Token) error {
	st := c.update(conv, func(st *State) { st.CurrentPhase = PhasePlanning })
	count := st.BatchSize
	if remaining := st.TotalIterations - st.CompletedIterations; remaining < count {
		count = remaining
	}

	started := time.Now()
	res, err := c.runner.Invoke(tok.Context(), runner.Request{
		Prompt:     batchPlanningPrompt(st, count),
		WorkingDir: st.WorkingDir,
		Mode:       runner.ModeReadOnly,
	})
	if err != nil && tok.Cancelled() {
		c.metrics.ObserveRunner(string(runner.ModeReadOnly), "cancelled", time.Since(started), 0)
		return execlock.ErrCancelled
	}
	ok := err == nil && res.Success
	c.metrics.ObserveRunner(string(runner.ModeReadOnly), outcomeLabel(err, res), time.Since(started), res.CostUSD)

	var items []string
	if ok {
		items = parsePlanItems(res.Text, count)
	}
	st = c.update(conv, func(st *State) {
		st.CurrentPhase = PhaseIdle
		st.TotalCostUSD += res.CostUSD
		st.StrategicPlanCostUSD += res.CostUSD
		st.BatchPlanned = true
		st.BatchStart = st.CompletedIterations
		st.StrategicPlan = ""
		st.StrategicPlanItems = nil
		if ok {
			st.StrategicPlan = strings.TrimSpace(res.Text)
			st.StrategicPlanItems = items
		}
	})
	if !ok {
		// Without a plan the batch still runs; each iteration picks its own improvement.
		c.logger.Warn("strategic planning failed, continuing without a plan", "conversation_id", conv, "error", err)
		return nil
	}
	c.publish(progress.Update{
		Type:           progress.UpdateImprovePlan,
		ConversationID: conv,
		Phase:          progress.PhaseIdle,
		Text:           st.StrategicPlan,
		CostUSD:        res.CostUSD,
		DurationMs:     res.DurationMs,
	})
	return nil
}

func (c *Controller) iterate(conv tasks.ConversationID, tok *execlock.Token) (IterationRecord, error) {
	st := c.update(conv, func(st *State) { st.CurrentPhase = PhaseExecuting })
	iteration := st.CompletedIterations + 1
	item := ""
	if idx := st.CompletedIterations - st.BatchStart; st.BatchPlanned && idx >= 0 && idx < len(st.StrategicPlanItems) {
		item = st.StrategicPlanItems[idx]
	}

	started := time.Now()
	res, err := c.runner.Invoke(tok.Context(), runner.Request{
		Prompt:     iterationPrompt(st, iteration, item),
		WorkingDir: st.WorkingDir,
		Mode:       runner.ModeReadWrite,
		OnDelta: func(text string) {
			c.publish(progress.Update{
				Type:           progress.UpdateRunnerDelta,
				ConversationID: conv,
				Phase:          progress.PhaseExecuting,
				Iteration:      iteration,
				Text:           text,
			})
		},
	})
	if err != nil && tok.Cancelled() {
		c.metrics.ObserveRunner(string(runner.ModeReadWrite), "cancelled", time.Since(started), 0)
		return IterationRecord{}, execlock.ErrCancelled
	}
	c.metrics.ObserveRunner(string(runner.ModeReadWrite), outcomeLabel(err, res), time.Since(started), res.CostUSD)

	rec := IterationRecord{
		Iteration:  iteration,
		Success:    err == nil && res.Success,
		CostUSD:    res.CostUSD,
		DurationMs: res.DurationMs,
		PlanItem:   item,
		Summary:    summarize(res.Text),
	}
	if rec.DurationMs == 0 {
		rec.DurationMs = time.Since(started).Milliseconds()
	}
	if err != nil {
		rec.Summary = summarize(err.Error())
	}
	c.update(conv, func(st *State) {
		st.History = append(st.History, rec)
		st.CompletedIterations = len(st.History)
		st.TotalCostUSD += rec.CostUSD
		st.CurrentPhase = PhaseIdle
		st.NeedsRestart = st.NeedsRestart || res.NeedsRestart
		if rec.Success {
			st.ConsecutiveFailures = 0
		} else {
			st.ConsecutiveFailures++
		}
	})
	c.metrics.ObserveImproveIteration(outcomeWord(rec.Success))
	c.publish(progress.Update{
		Type:           progress.UpdateImproveIteration,
		ConversationID: conv,
		Phase:          progress.PhaseIdle,
		Status:         outcomeWord(rec.Success),
		Text:           rec.Summary,
		CostUSD:        rec.CostUSD,
		DurationMs:     rec.DurationMs,
		Iteration:      rec.Iteration,
	})
	return rec, nil
}

func (c *Controller) costTripped(st State) string {
	if st.MaxCostUSD > 0 && st.TotalCostUSD >= st.MaxCostUSD {
		return fmt.Sprintf("cost limit reached: $%.2f of $%.2f", st.TotalCostUSD, st.MaxCostUSD)
	}
	return ""
}

func (c *Controller) trip(conv tasks.ConversationID, breaker, reason string) error {
	c.metrics.ObserveBreakerTrip(breaker)
	c.logger.Warn("improve loop paused", "conversation_id", conv, "breaker", breaker, "reason", reason)
	c.finish(conv, StatusPaused, reason)
	return fmt.Errorf("%w: %s", ErrCircuitBreakerTripped, reason)
}

// abort ends the loop after a cancelled phase boundary or runner call.
func (c *Controller) abort(conv tasks.ConversationID, err error) error {
	if errors.Is(err, execlock.ErrCancelled) && c.lock.ShuttingDown() {
		return c.interrupt(conv)
	}
	if errors.Is(err, execlock.ErrCancelled) {
		c.logger.Info("improve loop cancelled", "conversation_id", conv)
		c.finish(conv, StatusCancelled, "")
		return err
	}
	c.logger.Error("improve loop failed", "conversation_id", conv, "error", err)
	c.finish(conv, StatusFailed, err.Error())
	return err
}

// interrupt pauses a loop cut off by process shutdown so it can be resumed after restart.
// An explicit cancel that landed first still wins in finish.
func (c *Controller) interrupt(conv tasks.ConversationID) error {
	c.logger.Info("improve loop interrupted by shutdown", "conversation_id", conv)
	c.finish(conv, StatusPaused, restartPauseReason)
	return execlock.ErrCancelled
}

func (c *Controller) markCancelled(conv tasks.ConversationID) {
	c.update(conv, func(st *State) {
		if st.Status == StatusRunning {
			st.Status = StatusCancelled
		}
	})
}

// finish moves the loop to its exit status. An explicit cancel or stop that raced with the
// loop's own decision wins.
func (c *Controller) finish(conv tasks.ConversationID, status Status, reason string) {
	st := c.update(conv, func(st *State) {
		switch {
		case st.Status == StatusCancelled:
			status = StatusCancelled
		case st.Status == StatusStopping && status != StatusCompleted:
			status = StatusStopped
		}
		st.Status = status
		st.CurrentPhase = PhaseIdle
		if status == StatusPaused {
			st.PauseReason = reason
		} else {
			st.PauseReason = ""
			st.FinishedAt = c.timePtr()
		}
	})
	c.metrics.ObserveTaskEvent("improve_" + string(st.Status))
	detail := reason
	if st.NeedsRestart {
		detail = strings.TrimSpace(detail + " restart required")
	}
	c.publish(progress.Update{
		Type:           progress.UpdateImproveFinished,
		ConversationID: conv,
		Phase:          progress.PhaseIdle,
		Status:         string(st.Status),
		Detail:         detail,
		CostUSD:        st.TotalCostUSD,
		Iteration:      st.CompletedIterations,
	})
}

func (c *Controller) snapshot(conv tasks.ConversationID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[conv].Clone()
}

// update applies fn to the live state and persists it. Persist failures are logged; the loop
// keeps its in-memory view authoritative while it runs.
func (c *Controller) update(conv tasks.ConversationID, fn func(*State)) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[conv].Clone()
	fn(&st)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()
	if err := c.saveLocked(ctx, st); err != nil {
		c.logger.Error("persist improve loop state", "conversation_id", conv, "error", err)
		st.UpdatedAt = c.now()
		c.states[conv] = st
	}
	return st.Clone()
}

func (c *Controller) saveLocked(ctx context.Context, st State) error {
	st.UpdatedAt = c.now()
	if c.store != nil {
		if err := c.store.SaveLoopState(ctx, st); err != nil {
			return fmt.Errorf("save improve loop %s: %w", st.ConversationID, err)
		}
	}
	c.states[st.ConversationID] = st
	return nil
}

func (c *Controller) lookupLocked(ctx context.Context, conv tasks.ConversationID) (State, bool, error) {
	if st, ok := c.states[conv]; ok {
		return st, true, nil
	}
	if c.store == nil {
		return State{}, false, nil
	}
	st, err := c.store.LoadLoopState(ctx, conv)
	if errors.Is(err, tasks.ErrStoreNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load improve loop %s: %w", conv, err)
	}
	c.states[conv] = st
	return st, true, nil
}

func (c *Controller) publish(u progress.Update) {
	if u.At.IsZero() {
		u.At = c.now()
	}
	c.progress.Publish(u)
}

func (c *Controller) timePtr() *time.Time {
	t := c.now()
	return &t
}

func outcomeLabel(err error, res runner.Result) string {
	switch {
	case err != nil:
		return "error"
	case !res.Success:
		return "failure"
	default:
		return "success"
	}
}
