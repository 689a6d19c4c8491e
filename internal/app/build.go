package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/foreman/internal/config"
	"github.com/ent0n29/foreman/internal/dispatch"
	"github.com/ent0n29/foreman/internal/execlock"
	"github.com/ent0n29/foreman/internal/httpapi"
	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/intent"
	"github.com/ent0n29/foreman/internal/memory"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/runner"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/storage"
	"github.com/ent0n29/foreman/internal/tasks"
)

type BuildResult struct {
	Config      config.Config
	Logger      *slog.Logger
	API         *httpapi.Server
	Dispatcher  *dispatch.Dispatcher
	Improve     *improve.Controller
	Sessions    *session.Manager
	Progress    *progress.Hub
	Metrics     *observability.Metrics
	Interrupted []tasks.ActiveTaskRecord

	// Cleanup stops background work and releases the stores. Call it once, after the HTTP
	// server has shut down.
	Cleanup func() error
}

// OpenStore opens the durable store selected by cfg.
func OpenStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.StoreDriver,
		Dir:         cfg.StoreDir,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	return store, nil
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	closeStores := func() error {
		return errors.Join(memoryStore.Close(), store.Close())
	}

	run, err := runner.NewRunner(runner.Config{
		Mode:    cfg.RunnerMode,
		CLIPath: cfg.RunnerCLIPath,
		Model:   cfg.RunnerModel,
		Timeout: cfg.RunnerTimeout,
	})
	if err != nil {
		_ = closeStores()
		return nil, fmt.Errorf("runner init failed: %w", err)
	}
	if _, ok := run.(*runner.MockRunner); ok {
		logger.Warn("runner: mock (agent CLI not found or RUNNER_MODE=mock)", "cli_path", cfg.RunnerCLIPath)
	} else {
		logger.Info("runner: cli", "cli_path", cfg.RunnerCLIPath, "model", cfg.RunnerModel)
	}

	tracker := tasks.NewTracker(store)
	interrupted, err := tracker.Recover(ctx)
	if err != nil {
		_ = closeStores()
		return nil, err
	}
	for _, rec := range interrupted {
		logger.Warn("interrupted task found",
			"record_id", rec.ID,
			"conversation_id", rec.ConversationID,
			"task", rec.Task,
			"resumable", rec.Resumable(),
			"started_at", rec.StartedAt,
		)
	}

	// Cancelling baseCtx aborts every running phase and loop on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	lock := execlock.New(baseCtx)
	queue := tasks.NewQueue(cfg.TaskQueueCapacity)
	hub := progress.NewHub()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.RegisterStateGauges(cfg.MetricsNamespace,
		func() float64 { return float64(queue.Total()) },
		func() float64 { return float64(lock.BusyCount()) },
		func() float64 { return float64(hub.Dropped()) },
	)

	sessions := session.NewManager(cfg.DefaultWorkingDir, cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s session.Session) {
		metrics.ObserveTaskEvent("session_expired")
		logger.Info("runner session expired", "conversation_id", s.ConversationID)
		if !lock.IsBusy(s.ConversationID) {
			hub.Forget(s.ConversationID)
		}
	})

	d, err := dispatch.New(dispatch.Deps{
		Lock:     lock,
		Queue:    queue,
		Plans:    tasks.NewPlanStore(store),
		Tracker:  tracker,
		Runner:   run,
		Sessions: sessions,
		Memory:   memory.NewRecorder(memoryStore, cfg.MemoryContextTurns),
		Progress: hub,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		cancelBase()
		_ = closeStores()
		return nil, err
	}

	ctrl, err := improve.NewController(improve.Config{
		MaxCostUSD:             cfg.ImproveMaxCostUSD,
		IterationDelay:         cfg.ImproveIterationDelay,
		MaxConsecutiveFailures: cfg.ImproveMaxConsecutiveFailures,
		DefaultBatchSize:       cfg.ImproveDefaultBatchSize,
	}, improve.Deps{
		Lock:     lock,
		Runner:   run,
		Store:    store,
		Progress: hub,
		Metrics:  metrics,
		Logger:   logger,
		// Work that queued up behind a loop starts once the loop lets go.
		OnIdle: d.Drain,
	})
	if err != nil {
		cancelBase()
		d.Close()
		_ = closeStores()
		return nil, err
	}
	paused, err := ctrl.RecoverOnBoot(ctx)
	if err != nil {
		cancelBase()
		d.Close()
		_ = closeStores()
		return nil, err
	}
	for _, st := range paused {
		logger.Warn("improve loop paused after restart",
			"conversation_id", st.ConversationID,
			"completed", st.CompletedIterations,
			"total", st.TotalIterations,
		)
	}

	api, err := httpapi.New(cfg, httpapi.Deps{
		Dispatcher: d,
		Improve:    ctrl,
		Sessions:   sessions,
		Progress:   hub,
		Classifier: intent.NewRuleClassifier(),
		Metrics:    metrics,
	})
	if err != nil {
		cancelBase()
		ctrl.Close()
		d.Close()
		_ = closeStores()
		return nil, err
	}

	cleanup := func() error {
		api.Close()
		cancelBase()
		ctrl.Close()
		d.Close()
		return closeStores()
	}

	return &BuildResult{
		Config:      cfg,
		Logger:      logger,
		API:         api,
		Dispatcher:  d,
		Improve:     ctrl,
		Sessions:    sessions,
		Progress:    hub,
		Metrics:     metrics,
		Interrupted: interrupted,
		Cleanup:     cleanup,
	}, nil
}
