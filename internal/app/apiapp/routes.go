package apiapp

import (
	"embed"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/config"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
	httperrors "github.com/ivankudzin/attachvault/internal/transport/http/errors"
	"github.com/ivankudzin/attachvault/internal/transport/http/handlers"
)

//go:embed static/*
var staticFS embed.FS

type Dependencies struct {
	AttachmentService *attachsvc.Service
	QueueStats        handlers.RenderQueueStats
	UploadsDir        string
	Logger            *zap.Logger
	Config            config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	attachmentsHandler := handlers.NewAttachmentsHandler(deps.AttachmentService, deps.Config.Uploads.MaxUploadBytes, deps.Logger)
	queueHandler := handlers.NewRenderQueueHandler(deps.QueueStats, deps.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httperrors.Write(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	prefix := "/" + strings.Trim(deps.Config.Storage.PublicPrefix, "/")
	if prefix == "/" {
		prefix = "/uploads"
	}
	r.Handle(prefix+"/*", http.StripPrefix(prefix, hideDotFiles(http.FileServer(http.Dir(deps.UploadsDir)))))
	r.Handle("/static/*", http.FileServer(http.FS(staticFS)))

	r.Group(func(r chi.Router) {
		r.Use(TokenAuthMiddleware(deps.Config.Auth.Token, deps.Logger))

		r.Route("/parents/{parentID}/attachments", func(r chi.Router) {
			r.Get("/", attachmentsHandler.List)
			r.Post("/", attachmentsHandler.Upload)
			r.Post("/presign", attachmentsHandler.Presign)
			r.Post("/record", attachmentsHandler.Record)

			r.Post("/multipart/initiate", attachmentsHandler.InitiateMultipart)
			r.Post("/multipart/presign-part", attachmentsHandler.PresignPart)
			r.Post("/multipart/complete", attachmentsHandler.CompleteMultipart)
			r.Post("/multipart/abort", attachmentsHandler.AbortMultipart)

			r.Delete("/{attachmentID}", attachmentsHandler.Delete)
			r.Get("/{attachmentID}/url", attachmentsHandler.URL)
			r.Get("/{attachmentID}/thumb-url", attachmentsHandler.ThumbnailURL)
			r.Get("/{attachmentID}/download", attachmentsHandler.Download)
		})

		r.Get("/admin/render-queue", queueHandler.Stats)
	})
}

// hideDotFiles keeps in-progress temp files and directory listings private.
func hideDotFiles(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean("/" + r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/") || strings.HasPrefix(path.Base(clean), ".") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
