package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/jobs/render"
	"github.com/ivankudzin/attachvault/internal/transport/http/dto"
	httperrors "github.com/ivankudzin/attachvault/internal/transport/http/errors"
)

type RenderQueueStats interface {
	Stats(ctx context.Context) (render.Stats, error)
}

// RenderQueueHandler reports render queue counts for operators.
type RenderQueueHandler struct {
	queue  RenderQueueStats
	logger *zap.Logger
}

func NewRenderQueueHandler(queue RenderQueueStats, logger *zap.Logger) *RenderQueueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderQueueHandler{queue: queue, logger: logger}
}

func (h *RenderQueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httperrors.WriteError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "render queue is not configured")
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("read render queue stats", zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "failed to read queue stats")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.RenderQueueStatsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Delayed:    stats.Delayed,
		Dead:       stats.Dead,
	})
}
