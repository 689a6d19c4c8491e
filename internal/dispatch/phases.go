package dispatch

import (
	"context"
	"strings"

	"github.com/ent0n29/foreman/internal/execlock"
	"github.com/ent0n29/foreman/internal/memory"
	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/runner"
	"github.com/ent0n29/foreman/internal/tasks"
)

type planJob struct {
	id       string
	req      tasks.WorkRequest
	prev     *tasks.PendingPlan
	feedback string
}

type execJob struct {
	id   string
	plan tasks.PendingPlan
	// resume is set when an interrupted task is replayed from its runner session.
	resume *tasks.ActiveTaskRecord
}

func (d *Dispatcher) startPlanning(tok *execlock.Token, job planJob) {
	conv := tok.Conversation()
	d.metrics.ObserveTaskEvent("planning_started")
	d.publish(progress.Update{
		Type:           progress.UpdatePlanningStarted,
		ConversationID: conv,
		Phase:          progress.PhasePlanning,
		TaskID:         job.id,
		Detail:         job.req.Task,
	})
	d.spawn(
		func() error { return d.plan(tok, job) },
		func(err error) { d.finishPlanning(tok, job, err) },
	)
}

func (d *Dispatcher) plan(tok *execlock.Token, job planJob) error {
	conv := tok.Conversation()
	sess := d.sessions.Ensure(conv)
	res, err := d.invoke(tok, runner.Request{
		Prompt:          planningPrompt(job.req, job.prev, job.feedback),
		WorkingDir:      job.req.WorkingDir,
		ResumeSessionID: sess.RunnerSessionID,
		Mode:            runner.ModeReadOnly,
		OnDelta:         d.deltaPublisher(conv, job.id, progress.PhasePlanning),
	})
	if err != nil {
		if isCancellation(err) {
			return err
		}
		return newPhaseError(progress.PhasePlanning, conv, "", err)
	}
	d.sessions.RecordResult(conv, res.SessionID, res.CostUSD)
	if !res.Success {
		return newPhaseError(progress.PhasePlanning, conv, res.Text, nil)
	}
	planText := strings.TrimSpace(res.Text)
	if planText == "" {
		return newPhaseError(progress.PhasePlanning, conv, "runner returned an empty plan", nil)
	}

	pending := tasks.PendingPlan{
		ConversationID: conv,
		WorkRequest:    job.req.Clone(),
		PlanText:       planText,
		CreatedAt:      d.now(),
	}
	if job.prev != nil {
		pending.RevisionCount = job.prev.RevisionCount + 1
	}

	ctx, cancel := d.storeContext()
	defer cancel()
	if err := d.plans.Set(ctx, pending); err != nil {
		return newPhaseError(progress.PhasePlanning, conv, "store plan", err)
	}
	d.remember(ctx, conv, memory.RoleAssistant, planText)

	d.publish(progress.Update{
		Type:           progress.UpdatePlanReady,
		ConversationID: conv,
		Phase:          progress.PhaseIdle,
		TaskID:         job.id,
		Text:           planText,
		CostUSD:        res.CostUSD,
		DurationMs:     res.DurationMs,
		Iteration:      pending.RevisionCount,
	})
	return nil
}

// finishPlanning releases the conversation. A failed revision leaves the previous plan in
// place, so draining is a no-op until that plan is decided.
func (d *Dispatcher) finishPlanning(tok *execlock.Token, job planJob, err error) {
	conv := tok.Conversation()
	d.lock.ReleaseToken(tok)
	log := d.logger.With("conversation_id", conv, "phase", progress.PhasePlanning, "task_id", job.id)

	switch {
	case err == nil:
		d.metrics.ObserveTaskEvent("plan_ready")
		log.Info("plan ready", "revision", job.prev != nil)
	case isCancellation(err):
		d.metrics.ObserveTaskEvent("cancelled")
		log.Info("planning cancelled")
		d.publish(progress.Update{
			Type:           progress.UpdateCancelled,
			ConversationID: conv,
			Phase:          progress.PhaseIdle,
			TaskID:         job.id,
		})
	default:
		err = asPhaseError(progress.PhasePlanning, conv, err)
		d.metrics.ObserveTaskEvent("planning_failed")
		log.Error("planning failed", "error", err)
		d.publish(progress.Update{
			Type:           progress.UpdatePlanningFailed,
			ConversationID: conv,
			Phase:          progress.PhaseIdle,
			TaskID:         job.id,
			Detail:         err.Error(),
		})
	}
	d.Drain(conv)
}

// phaseRun tracks the live token across the Cycle at the start of execution.
type phaseRun struct {
	tok *execlock.Token
}

func (d *Dispatcher) startExecution(tok *execlock.Token, job execJob) {
	run := &phaseRun{tok: tok}
	d.spawn(
		func() error { return d.execute(run, job) },
		func(err error) { d.finishExecution(run, job, err) },
	)
}

func (d *Dispatcher) execute(run *phaseRun, job execJob) (err error) {
	// A cancel that landed between approval and here stops execution before it starts.
	tok, err := d.lock.Cycle(run.tok)
	if err != nil {
		run.tok = nil
		return err
	}
	run.tok = tok
	conv := tok.Conversation()

	// The record only becomes resumable once the execution run itself reports a session.
	// The conversation's session may come from a read-only planning call.
	resumeSessionID := d.sessions.Ensure(conv).RunnerSessionID
	recordSessionID := ""
	prompt := executionPrompt(job.plan)
	if job.resume != nil {
		resumeSessionID = job.resume.ExternalSessionID
		recordSessionID = job.resume.ExternalSessionID
		prompt = resumePrompt(*job.resume)
	}

	startCtx, cancel := d.storeContext()
	rec, err := d.tracker.Start(startCtx, tasks.ActiveTaskRecord{
		ConversationID:    conv,
		Task:              job.plan.Task,
		WorkingDir:        job.plan.WorkingDir,
		ExternalSessionID: recordSessionID,
	})
	cancel()
	if err != nil {
		return newPhaseError(progress.PhaseExecuting, conv, "record active task", err)
	}
	defer func() {
		if isCancellation(err) && d.lock.ShuttingDown() {
			d.logger.Warn("execution interrupted by shutdown, keeping active task record", "conversation_id", conv, "record_id", rec.ID)
			return
		}
		ctx, cancel := d.storeContext()
		defer cancel()
		if ferr := d.tracker.Finish(ctx, rec.ID); ferr != nil {
			d.logger.Warn("active task record not cleared", "conversation_id", conv, "record_id", rec.ID, "error", ferr)
		}
	}()

	d.metrics.ObserveTaskEvent("execution_started")
	d.publish(progress.Update{
		Type:           progress.UpdateExecutionStarted,
		ConversationID: conv,
		Phase:          progress.PhaseExecuting,
		TaskID:         job.id,
		Detail:         job.plan.Task,
	})

	res, err := d.invoke(tok, runner.Request{
		Prompt:          prompt,
		WorkingDir:      job.plan.WorkingDir,
		ResumeSessionID: resumeSessionID,
		Mode:            runner.ModeReadWrite,
		OnSession: func(id string) {
			ctx, cancel := d.storeContext()
			defer cancel()
			if err := d.tracker.AttachSession(ctx, rec.ID, id); err != nil {
				d.logger.Warn("attach runner session failed", "conversation_id", conv, "record_id", rec.ID, "error", err)
			}
		},
		OnDelta: d.deltaPublisher(conv, job.id, progress.PhaseExecuting),
	})
	if err != nil {
		if isCancellation(err) {
			return err
		}
		return newPhaseError(progress.PhaseExecuting, conv, "", err)
	}
	d.sessions.RecordResult(conv, res.SessionID, res.CostUSD)

	ctx, cancelMem := d.storeContext()
	d.remember(ctx, conv, memory.RoleAssistant, res.Text)
	cancelMem()

	if !res.Success {
		return newPhaseError(progress.PhaseExecuting, conv, res.Text, nil)
	}
	detail := ""
	if res.NeedsRestart {
		detail = "restart required"
	}
	d.publish(progress.Update{
		Type:           progress.UpdateExecutionDone,
		ConversationID: conv,
		Phase:          progress.PhaseIdle,
		TaskID:         job.id,
		Status:         "succeeded",
		Detail:         detail,
		Text:           res.Text,
		CostUSD:        res.CostUSD,
		DurationMs:     res.DurationMs,
	})
	return nil
}

func (d *Dispatcher) finishExecution(run *phaseRun, job execJob, err error) {
	conv := job.plan.ConversationID
	if run.tok != nil {
		d.lock.ReleaseToken(run.tok)
	}
	log := d.logger.With("conversation_id", conv, "phase", progress.PhaseExecuting, "task_id", job.id)

	switch {
	case err == nil:
		d.metrics.ObserveTaskEvent("execution_completed")
		log.Info("execution completed")
	case isCancellation(err):
		d.metrics.ObserveTaskEvent("cancelled")
		log.Info("execution cancelled")
		d.publish(progress.Update{
			Type:           progress.UpdateCancelled,
			ConversationID: conv,
			Phase:          progress.PhaseIdle,
			TaskID:         job.id,
		})
	default:
		err = asPhaseError(progress.PhaseExecuting, conv, err)
		d.metrics.ObserveTaskEvent("execution_failed")
		log.Error("execution failed", "error", err)
		d.publish(progress.Update{
			Type:           progress.UpdateExecutionFailed,
			ConversationID: conv,
			Phase:          progress.PhaseIdle,
			TaskID:         job.id,
			Status:         "failed",
			Detail:         err.Error(),
		})
	}
	d.Drain(conv)
}

// Interrupted lists tasks left in flight by a previous process.
func (d *Dispatcher) Interrupted() []tasks.ActiveTaskRecord {
	return d.tracker.Interrupted()
}

// ResumeInterrupted replays an interrupted task in its recorded runner session. Records
// without a session are unrecoverable and stay listed until discarded.
func (d *Dispatcher) ResumeInterrupted(ctx context.Context, id string) (Outcome, error) {
	rec, ok := d.tracker.GetInterrupted(id)
	if !ok {
		return Outcome{}, tasks.ErrRecordNotFound
	}
	if !rec.Resumable() {
		return Outcome{}, tasks.ErrUnrecoverable
	}

	conv := rec.ConversationID
	gate := d.gate(conv)
	gate.Lock()
	defer gate.Unlock()

	tok, err := d.lock.TryAcquire(conv)
	if err != nil {
		return Outcome{}, err
	}
	rec, err = d.tracker.TakeInterrupted(ctx, id)
	if err != nil {
		d.lock.ReleaseToken(tok)
		return Outcome{}, err
	}
	d.metrics.ObserveTaskEvent("interrupted_resumed")
	d.publish(progress.Update{
		Type:           progress.UpdateInterruptedResume,
		ConversationID: conv,
		Phase:          progress.PhaseExecuting,
		TaskID:         rec.ID,
		Detail:         rec.Task,
	})
	d.logger.Info("resuming interrupted task", "conversation_id", conv, "record_id", rec.ID, "runner_session_id", rec.ExternalSessionID)

	d.startExecution(tok, execJob{
		id: rec.ID,
		plan: tasks.PendingPlan{
			ConversationID: conv,
			WorkRequest: tasks.WorkRequest{
				Task:       rec.Task,
				WorkingDir: rec.WorkingDir,
			},
			CreatedAt: rec.StartedAt,
		},
		resume: &rec,
	})
	return Outcome{Kind: OutcomeExecutionStarted, ConversationID: conv, TaskID: rec.ID}, nil
}

func (d *Dispatcher) DiscardInterrupted(ctx context.Context, id string) (tasks.ActiveTaskRecord, error) {
	rec, err := d.tracker.TakeInterrupted(ctx, id)
	if err != nil {
		return tasks.ActiveTaskRecord{}, err
	}
	d.metrics.ObserveTaskEvent("interrupted_discarded")
	d.logger.Info("discarded interrupted task", "conversation_id", rec.ConversationID, "record_id", rec.ID)
	return rec, nil
}
