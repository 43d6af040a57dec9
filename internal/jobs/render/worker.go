package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/domain/model"
	"github.com/ivankudzin/attachvault/internal/infra/metrics"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
	"github.com/ivankudzin/attachvault/internal/services/media"
	"github.com/ivankudzin/attachvault/internal/services/thumbnail"
)

type Registry interface {
	Get(ctx context.Context, parentID, attachmentID int64) (model.Attachment, error)
	SetThumbnail(ctx context.Context, parentID, attachmentID int64, thumb model.Thumbnail) (model.Attachment, error)
}

type Config struct {
	Concurrency    int
	Retry          RetryPolicy
	PollWait       time.Duration
	PromoteEvery   time.Duration
	MaxSourceBytes int64
}

// Worker renders PDF previews. Any number of workers, in any number of
// processes, may consume the same queue.
type Worker struct {
	queue    Queue
	registry Registry
	stores   map[enums.StorageBackend]media.Store
	renderer thumbnail.PDFRenderer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFatal
)

func NewWorker(queue Queue, registry Registry, stores []media.Store, renderer thumbnail.PDFRenderer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	if cfg.PromoteEvery <= 0 {
		cfg.PromoteEvery = time.Second
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = 1 << 30
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	byBackend := map[enums.StorageBackend]media.Store{}
	for _, s := range stores {
		if s != nil {
			byBackend[s.Backend()] = s
		}
	}

	return &Worker{
		queue:    queue,
		registry: registry,
		stores:   byBackend,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("render worker started", zap.Int("concurrency", w.cfg.Concurrency))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.PromoteEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				w.maintain(ctx)
			}
		}
	})

	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
					w.logger.Warn("render queue poll failed", zap.Error(err))
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
		})
	}

	err := g.Wait()
	w.logger.Info("render worker stopped")
	return err
}

func (w *Worker) maintain(ctx context.Context) {
	now := w.now()
	if n, err := w.queue.PromoteDue(ctx, now); err != nil {
		w.logger.Warn("promote delayed render jobs failed", zap.Error(err))
	} else if n > 0 {
		w.logger.Debug("promoted delayed render jobs", zap.Int("count", n))
	}
	if n, err := w.queue.RequeueExpired(ctx, now); err != nil {
		w.logger.Warn("requeue expired render jobs failed", zap.Error(err))
	} else if n > 0 {
		w.logger.Warn("requeued render jobs with expired leases", zap.Int("count", n))
	}

	if stats, err := w.queue.Stats(ctx); err == nil {
		metrics.RenderQueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
		metrics.RenderQueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
		metrics.RenderQueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
		metrics.RenderQueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
	}
}

// ProcessOne waits up to the poll interval for a job and handles it.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	d, ok, err := w.queue.Dequeue(ctx, w.cfg.PollWait)
	if err != nil {
		return false, fmt.Errorf("dequeue render job: %w", err)
	}
	if !ok {
		return false, nil
	}

	w.handle(ctx, d)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, d Delivery) {
	job := d.Job
	log := w.logger.With(
		zap.String("job_id", job.JobID),
		zap.Int64("parent_id", job.ParentID),
		zap.Int64("attachment_id", job.AttachmentID),
		zap.Int("attempt", job.Attempt),
	)

	started := w.now()
	result, err := w.render(ctx, job, log)
	metrics.RenderJobDuration.Observe(w.now().Sub(started).Seconds())

	switch result {
	case outcomeDone:
		if err := w.queue.Ack(ctx, d); err != nil {
			log.Warn("ack render job failed", zap.Error(err))
		}
		metrics.RenderJobsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		return
	case outcomeRetry:
		if !w.cfg.Retry.Exhausted(job.Attempt) {
			delay := w.cfg.Retry.Delay(job.Attempt)
			log.Warn("render job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			if qerr := w.queue.Retry(ctx, d, delay); qerr != nil {
				log.Error("schedule render retry failed", zap.Error(qerr))
			}
			metrics.RenderJobsTotal.WithLabelValues(metrics.OutcomeRetried).Inc()
			return
		}
	}

	log.Error("render job failed permanently", zap.Error(err))
	w.markFailed(ctx, job, log)
	if qerr := w.queue.Fail(ctx, d, errString(err)); qerr != nil {
		log.Error("dead-letter render job failed", zap.Error(qerr))
	}
	metrics.RenderJobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
}

// render publishes the thumbnail and flips the registry to Ready before the
// job is acknowledged.
func (w *Worker) render(ctx context.Context, job model.RenderJob, log *zap.Logger) (outcome, error) {
	att, err := w.registry.Get(ctx, job.ParentID, job.AttachmentID)
	if err != nil {
		if errors.Is(err, attachsvc.ErrNotFound) {
			log.Info("attachment deleted before render, dropping job")
			return outcomeDone, nil
		}
		return outcomeRetry, fmt.Errorf("load attachment: %w", err)
	}
	if att.Thumbnail.State != enums.ThumbnailPending {
		return outcomeDone, nil
	}

	store, ok := w.stores[job.Source.Backend]
	if !ok {
		return outcomeFatal, fmt.Errorf("no store for backend %q", job.Source.Backend)
	}

	body, _, err := store.Read(ctx, job.Source.Location)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return outcomeFatal, fmt.Errorf("source object missing: %w", err)
		}
		return outcomeRetry, fmt.Errorf("read source: %w", err)
	}
	pdf, err := io.ReadAll(io.LimitReader(body, w.cfg.MaxSourceBytes+1))
	_ = body.Close()
	if err != nil {
		return outcomeRetry, fmt.Errorf("read source: %w", err)
	}
	if int64(len(pdf)) > w.cfg.MaxSourceBytes {
		return outcomeFatal, fmt.Errorf("source exceeds %d bytes", w.cfg.MaxSourceBytes)
	}

	preview, err := w.renderer.Render(ctx, pdf)
	if err != nil {
		return outcomeRetry, err
	}

	location, err := store.WriteThumbnail(ctx, job.Source.Location, thumbnail.ContentType, bytes.NewReader(preview), int64(len(preview)))
	if err != nil {
		return outcomeRetry, fmt.Errorf("write thumbnail: %w", err)
	}

	_, err = w.registry.SetThumbnail(ctx, job.ParentID, job.AttachmentID, model.ThumbnailReady(location, store.Backend()))
	switch {
	case err == nil:
		log.Info("pdf thumbnail ready", zap.String("location", location))
		return outcomeDone, nil
	case errors.Is(err, attachsvc.ErrNotFound):
		if derr := store.Delete(ctx, location); derr != nil {
			log.Warn("delete orphaned thumbnail failed", zap.Error(derr))
		}
		return outcomeDone, nil
	case errors.Is(err, attachsvc.ErrThumbnailTransition):
		return outcomeDone, nil
	default:
		return outcomeRetry, fmt.Errorf("mark thumbnail ready: %w", err)
	}
}

func (w *Worker) markFailed(ctx context.Context, job model.RenderJob, log *zap.Logger) {
	_, err := w.registry.SetThumbnail(ctx, job.ParentID, job.AttachmentID, model.ThumbnailFailed())
	if err != nil && !errors.Is(err, attachsvc.ErrNotFound) && !errors.Is(err, attachsvc.ErrThumbnailTransition) {
		log.Error("mark thumbnail failed", zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
