package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/services/thumbnail"
	httperrors "github.com/ivankudzin/attachvault/internal/transport/http/errors"
)

const (
	maxPreviewBody = 50 << 20
	maxPreviewSide = 2000
)

// RendererFactory builds a PDF renderer for one requested width and quality.
type RendererFactory func(width, quality int) thumbnail.PDFRenderer

// PreviewHandler serves the render service endpoint used by the remote PDF
// strategy.
type PreviewHandler struct {
	newRenderer RendererFactory
	defaults    thumbnail.Options
	logger      *zap.Logger
}

func NewPreviewHandler(newRenderer RendererFactory, defaults thumbnail.Options, logger *zap.Logger) *PreviewHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.Width <= 0 {
		defaults.Width = thumbnail.DefaultWidth
	}
	if defaults.Quality <= 0 {
		defaults.Quality = thumbnail.DefaultQuality
	}
	return &PreviewHandler{newRenderer: newRenderer, defaults: defaults, logger: logger}
}

func (h *PreviewHandler) PDFToPreview(w http.ResponseWriter, r *http.Request) {
	width, ok := queryInt(r, "width", h.defaults.Width, 1, maxPreviewSide)
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid width")
		return
	}
	quality, ok := queryInt(r, "quality", h.defaults.Quality, 1, 100)
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid quality")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPreviewBody)
	pdf, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httperrors.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "pdf exceeds 50 MiB")
			return
		}
		writeBadRequest(w, "VALIDATION_ERROR", "failed to read body")
		return
	}
	if len(pdf) == 0 {
		writeBadRequest(w, "VALIDATION_ERROR", "pdf body is required")
		return
	}

	preview, err := h.newRenderer(width, quality).Render(r.Context(), pdf)
	if err != nil {
		h.logger.Warn("pdf preview failed", zap.Error(err), zap.Int("bytes", len(pdf)))
		httperrors.WriteError(w, http.StatusUnprocessableEntity, "RENDER_FAILED", "could not render pdf")
		return
	}

	w.Header().Set("Content-Type", thumbnail.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(preview)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(preview)
}

func queryInt(r *http.Request, name string, fallback, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, false
	}
	return v, true
}
