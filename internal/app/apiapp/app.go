package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/app/components"
	"github.com/ivankudzin/attachvault/internal/config"
	"github.com/ivankudzin/attachvault/internal/domain/enums"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	components *components.Components
	httpRouter http.Handler

	bgCtx      context.Context
	bgCancel   context.CancelFunc
	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	c, err := components.Build(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build components: %w", err)
	}

	attachmentService := attachsvc.NewService(c.AttachmentDependencies(), attachsvc.Config{
		AllowedMimeTypes: cfg.Uploads.AllowedMimeTypes,
		MaxUploadBytes:   cfg.Uploads.MaxUploadBytes,
		MaxObjectBytes:   cfg.Uploads.MaxObjectBytes,
		URLTTL:           cfg.S3.URLTTL,
		Placeholder:      cfg.Uploads.Placeholder,
		DefaultBackend:   backendOf(cfg),
	})

	r := chi.NewRouter()
	ApplyMiddlewares(r, log, cfg.HTTP.WriteTimeout)
	RegisterRoutes(r, Dependencies{
		AttachmentService: attachmentService,
		QueueStats:        c.Queue,
		UploadsDir:        c.Local.Root(),
		Logger:            log,
		Config:            cfg,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		components: c,
		httpRouter: r,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}, nil
}

// Run serves HTTP and, when configured, runs the render worker and the
// stale upload sweeper in the same process.
func (a *App) Run() error {
	if a.cfg.Worker.Embedded {
		a.startEmbeddedWorker()
	} else if !a.components.Distributed() {
		a.logger.Warn("render worker is not embedded and the queue or registry is process-local, pdf thumbnails will stay pending")
	}

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) startEmbeddedWorker() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	worker := a.components.NewWorker()
	sweeper := a.components.NewCleanup()
	a.background.Add(2)
	go func() {
		defer a.background.Done()
		if err := worker.Run(a.bgCtx); err != nil {
			a.logger.Error("embedded render worker stopped", zap.Error(err))
		}
	}()
	go func() {
		defer a.background.Done()
		sweeper.Loop(a.bgCtx, a.cfg.Worker.SweepEvery)
	}()
	a.logger.Info("embedded render worker started", zap.Int("concurrency", a.cfg.Worker.Concurrency))
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.bgCancel()
	a.background.Wait()
	if err := a.components.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}

func backendOf(cfg config.Config) enums.StorageBackend {
	if cfg.Storage.Backend == string(enums.StorageBackendRemote) {
		return enums.StorageBackendRemote
	}
	return enums.StorageBackendLocal
}
