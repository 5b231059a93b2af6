package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"assetxfer/internal/backend"
	"assetxfer/internal/checkpoint"
	"assetxfer/internal/config"
	"assetxfer/internal/hashing"
	"assetxfer/internal/manager"
	"assetxfer/internal/metrics"
	"assetxfer/internal/progress"
	"assetxfer/internal/session"
	"assetxfer/internal/storage"
	"assetxfer/internal/transfer"

	"go.uber.org/zap"
)

// App wires the transfer manager to its stores, transports and the backend
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   checkpoint.Store
	writer  *checkpoint.AsyncWriter
	hasher  *hashing.MD5Hasher
	metrics *metrics.Collector
	manager *manager.Manager
}

// New creates a new application instance
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg.Backend.URL == "" {
		return nil, errors.New("backend url is required (backend.url, ASSETXFER_API_URL or --api-url)")
	}

	// Create backend client
	api, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	// Create checkpoint store
	store, err := checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	writer := checkpoint.NewAsyncWriter(store, cfg.Checkpoint.FlushInterval, logger)

	hasher := hashing.NewMD5Hasher()
	collector := metrics.New()

	mgr := manager.New(ManagerConfig(cfg), session.Deps{
		Transport:   storage.NewMinIOTransport(),
		Checkpoints: writer,
		Backend:     api,
		Hasher:      hasher,
		Metrics:     collector,
		Logger:      logger,
	})

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		writer:  writer,
		hasher:  hasher,
		metrics: collector,
		manager: mgr,
	}, nil
}

// ManagerConfig translates the file configuration into manager settings
func ManagerConfig(cfg *config.Config) manager.Config {
	t := cfg.Transfer
	return manager.Config{
		MaxConcurrent:     t.MaxConcurrent,
		MaxFileSize:       t.MaxFileSize,
		AllowedExtensions: t.AllowedExtensions,
		HashParallelism:   t.HashParallelism,
		Session: session.Config{
			Policy:           t.Policy,
			Parallelism:      t.Parallelism,
			MinPartSize:      transfer.MinPartSize,
			Retries:          t.Retries,
			RetryBackoff:     t.RetryBackoff(),
			TransportTimeout: t.TransportTimeout,
			CheckpointEvery:  t.CheckpointEvery,
			ProgressInterval: t.ProgressInterval,
			SpeedWindow:      t.SpeedWindow,
		},
	}
}

// Upload queues local files for a job and waits until the queue drains
func (a *App) Upload(ctx context.Context, jobID string, paths []string) error {
	return a.run(ctx, func() error {
		tasks, err := a.manager.SubmitUploads(ctx, jobID, paths)
		if err != nil {
			return err
		}
		a.logger.Info("Uploads queued", zap.String("job_id", jobID), zap.Int("files", len(tasks)))
		return nil
	})
}

// Download queues every output of a job and waits until the queue drains
func (a *App) Download(ctx context.Context, jobID, destDir string) error {
	return a.run(ctx, func() error {
		tasks, err := a.manager.SubmitDownloads(ctx, jobID, destDir)
		if err != nil {
			return err
		}
		a.logger.Info("Downloads queued", zap.String("job_id", jobID), zap.Int("files", len(tasks)))
		return nil
	})
}

// Resume continues the persisted queue
func (a *App) Resume(ctx context.Context) error {
	return a.run(ctx, func() error { return nil })
}

// Retry requeues failed tasks and waits for the queue
func (a *App) Retry(ctx context.Context, ids []string) error {
	return a.run(ctx, func() error {
		var errs []error
		for _, id := range ids {
			if err := a.manager.Retry(id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
		}
		return errors.Join(errs...)
	})
}

// Cancel cancels tasks and releases their remote sessions without running the rest of the queue
func (a *App) Cancel(ctx context.Context, ids []string) error {
	if err := a.manager.Restore(); err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := a.manager.Cancel(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ClearFinished forgets succeeded, failed and canceled tasks
func (a *App) ClearFinished(ctx context.Context) error {
	if err := a.manager.Restore(); err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}
	n := a.manager.ClearFinished(ctx)
	a.logger.Info("Cleared finished tasks", zap.Int("count", n))
	return nil
}

// run restores persisted tasks, submits new work and waits for the queue to drain
func (a *App) run(ctx context.Context, submit func() error) error {
	if a.cfg.Metrics.Enabled {
		// Start metrics server in a goroutine with error handling
		go func() {
			if err := a.metrics.StartServer(a.cfg.Metrics.Addr); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	events, unsubscribe := a.manager.Subscribe()
	defer unsubscribe()
	go a.logOutcomes(events)

	if err := a.manager.Restore(); err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}

	// Create progress display if enabled and supported
	var display *progress.Display
	if a.cfg.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(a.manager.Stats, 2*time.Second, os.Stdout)
		display.Start()
		a.logger.Info("Progress display enabled")
	} else if !a.cfg.ShowProgress {
		a.logger.Info("Progress display disabled (disabled in config)")
	} else {
		a.logger.Info("Progress display disabled (unsupported terminal)")
	}

	err := submit()
	if err == nil {
		if err = a.manager.Wait(ctx); err != nil {
			a.logger.Info("Interrupted, pausing transfers")
		}
	}

	if display != nil {
		display.Stop()
	}
	if err != nil {
		return err
	}

	stats := a.manager.Stats()
	a.logger.Info("Transfers completed",
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("canceled", stats.Canceled),
		zap.String("transferred", progress.FormatBytes(stats.TransferredBytes)),
	)
	if stats.Failed > 0 {
		return fmt.Errorf("%d transfers failed, see 'assetxfer list --status failed'", stats.Failed)
	}
	return nil
}

// logOutcomes logs every task reaching a terminal status
func (a *App) logOutcomes(events <-chan manager.Event) {
	seen := make(map[string]transfer.Status)
	for ev := range events {
		t := ev.Task
		if ev.Type == manager.EventRemoved || !t.Status.Terminal() || seen[t.ID] == t.Status {
			continue
		}
		seen[t.ID] = t.Status

		fields := []zap.Field{
			zap.String("task_id", t.ID),
			zap.String("direction", string(t.Direction)),
			zap.String("file", t.FileName),
			zap.String("size", progress.FormatBytes(t.FileSize)),
		}
		switch t.Status {
		case transfer.StatusSucceeded:
			a.logger.Info("Transfer succeeded", fields...)
		case transfer.StatusFailed:
			a.logger.Error("Transfer failed", append(fields,
				zap.String("kind", string(t.ErrorKind)),
				zap.String("error", t.LastError))...)
		case transfer.StatusCanceled:
			a.logger.Info("Transfer canceled", fields...)
		}
	}
}

// Close pauses running transfers, flushes checkpoints and releases resources
func (a *App) Close() error {
	a.manager.Close()

	var errs []error
	if err := a.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush checkpoints: %w", err))
	}
	a.hasher.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close checkpoint store: %w", err))
	}
	return errors.Join(errs...)
}
