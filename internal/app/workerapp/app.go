package workerapp

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/app/components"
	"github.com/ivankudzin/attachvault/internal/config"
	"github.com/ivankudzin/attachvault/internal/jobs/cleanup"
	"github.com/ivankudzin/attachvault/internal/jobs/render"
)

// ErrNotDistributed is returned when a standalone worker would only see its
// own in-process queue and registry.
var ErrNotDistributed = errors.New("standalone worker requires queue.driver=redis and registry.driver=postgres")

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	components *components.Components
	worker     *render.Worker
	cleanupJob *cleanup.Job
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	c, err := components.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build components for worker app: %w", err)
	}
	if !c.Distributed() {
		_ = c.Close()
		return nil, ErrNotDistributed
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		components: c,
		worker:     c.NewWorker(),
		cleanupJob: c.NewCleanup(),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("worker app started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.worker.Run(ctx)
	}()
	go a.cleanupJob.Loop(ctx, a.cfg.Worker.SweepEvery)

	select {
	case <-ctx.Done():
		// the worker drains in-flight jobs before returning
		err := <-errCh
		a.logger.Info("worker app stopped")
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func (a *App) Close() {
	if err := a.components.Close(); err != nil {
		a.logger.Warn("close worker components", zap.Error(err))
	}
}
