package thumbapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/app/apiapp"
	"github.com/ivankudzin/attachvault/internal/config"
	"github.com/ivankudzin/attachvault/internal/services/thumbnail"
	httperrors "github.com/ivankudzin/attachvault/internal/transport/http/errors"
	"github.com/ivankudzin/attachvault/internal/transport/http/handlers"
)

// App is the standalone PDF render service used by the remote renderer.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	httpRouter http.Handler
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if err := thumbnail.CheckRasterizerAvailable(); err != nil {
		log.Warn("pdftoppm not found, every render request will fail", zap.Error(err))
	}

	maxDecoded := cfg.Thumbnail.MaxDecodedBytes
	renderTimeout := cfg.Thumbnail.RenderTimeout
	factory := func(width, quality int) thumbnail.PDFRenderer {
		return thumbnail.NewRasterRenderer(thumbnail.NewImageDeriver(thumbnail.Options{
			Width:           width,
			Quality:         quality,
			MaxDecodedBytes: maxDecoded,
			RenderTimeout:   renderTimeout,
		}))
	}
	preview := handlers.NewPreviewHandler(factory, thumbnail.Options{
		Width:   cfg.Thumbnail.Width,
		Quality: cfg.Thumbnail.Quality,
	}, log)

	r := chi.NewRouter()
	apiapp.ApplyMiddlewares(r, log, cfg.Thumbnail.RenderTimeout)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httperrors.Write(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/pdf-to-preview", preview.PDFToPreview)

	server := &http.Server{
		Addr:         cfg.Thumbnail.ThumbnailerAddr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{cfg: cfg, logger: log, server: server, httpRouter: r}, nil
}

func (a *App) Run() error {
	a.logger.Info("thumbnailer started", zap.String("addr", a.cfg.Thumbnail.ThumbnailerAddr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
