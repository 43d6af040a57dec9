package components

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/config"
	"github.com/ivankudzin/attachvault/internal/infra/httpclient"
	s3infra "github.com/ivankudzin/attachvault/internal/infra/s3"
	"github.com/ivankudzin/attachvault/internal/jobs/cleanup"
	"github.com/ivankudzin/attachvault/internal/jobs/render"
	"github.com/ivankudzin/attachvault/internal/repo/memory"
	pgrepo "github.com/ivankudzin/attachvault/internal/repo/postgres"
	redrepo "github.com/ivankudzin/attachvault/internal/repo/redis"
	attachsvc "github.com/ivankudzin/attachvault/internal/services/attachments"
	"github.com/ivankudzin/attachvault/internal/services/media"
	"github.com/ivankudzin/attachvault/internal/services/scan"
	"github.com/ivankudzin/attachvault/internal/services/thumbnail"
)

const startupTimeout = 10 * time.Second

// Components holds the storage, registry, queue and thumbnail pieces shared
// by the API and worker processes.
type Components struct {
	Registry attachsvc.Registry
	Local    *media.LocalStorage
	Remote   *media.S3Storage
	Queue    render.Queue
	Deriver  *thumbnail.ImageDeriver
	Renderer thumbnail.PDFRenderer
	Scanner  attachsvc.Scanner

	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	redis  *goredis.Client
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*Components, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	c := &Components{cfg: cfg, logger: log}

	local, err := media.NewLocalStorage(cfg.Storage.UploadsDir, cfg.Storage.PublicPrefix)
	if err != nil {
		return nil, err
	}
	c.Local = local
	c.Remote = buildRemote(ctx, cfg, log)
	if cfg.Storage.Backend == "remote" && c.Remote == nil {
		log.Warn("remote storage is the default backend but s3 is unavailable, direct uploads will fail")
	}

	switch cfg.Registry.Driver {
	case "postgres":
		pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := pgrepo.Migrate(cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, err
		}
		c.pool = pool
		c.Registry = pgrepo.NewAttachmentRepo(pool)
	default:
		c.Registry = memory.NewAttachmentRepo()
	}

	switch cfg.Queue.Driver {
	case "redis":
		c.redis = redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err := redrepo.Ping(pingCtx, c.redis)
		cancel()
		if err != nil {
			log.Warn("redis ping failed, render jobs will fail until it recovers", zap.Error(err))
		}
		c.Queue = redrepo.NewRenderQueueRepo(c.redis, cfg.Queue.DedupeTTL, cfg.Worker.LeaseTimeout)
	default:
		c.Queue = render.NewMemoryQueue(cfg.Worker.LeaseTimeout)
	}

	c.Deriver = thumbnail.NewImageDeriver(thumbnail.Options{
		Width:           cfg.Thumbnail.Width,
		Quality:         cfg.Thumbnail.Quality,
		MaxDecodedBytes: cfg.Thumbnail.MaxDecodedBytes,
		RenderTimeout:   cfg.Thumbnail.RenderTimeout,
	})
	renderer, err := thumbnail.NewPDFRenderer(
		cfg.Thumbnail.PDFRenderer,
		c.Deriver,
		httpclient.New(cfg.Thumbnail.RenderTimeout),
		cfg.Thumbnail.RenderServiceURL,
	)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Renderer = renderer
	if cfg.Thumbnail.PDFRenderer == thumbnail.RendererEmbedded {
		if err := thumbnail.CheckRasterizerAvailable(); err != nil {
			log.Warn("pdftoppm not found, pdf thumbnails will fail", zap.Error(err))
		}
	}

	if cfg.Antivirus.Enabled {
		c.Scanner = scan.NewHTTPScanner(httpclient.New(cfg.Antivirus.Timeout), cfg.Antivirus.URL)
	}

	return c, nil
}

func buildRemote(ctx context.Context, cfg config.Config, log *zap.Logger) *media.S3Storage {
	if cfg.S3.Endpoint == "" {
		return nil
	}

	client, err := s3infra.NewClient(s3infra.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Region:    cfg.S3.Region,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		log.Warn("s3 init failed, continuing without remote storage", zap.Error(err))
		return nil
	}

	storage := media.NewS3Storage(client, cfg.S3.Bucket, cfg.S3.PublicURL)
	ensureCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := storage.EnsureBucket(ensureCtx); err != nil {
		log.Warn("s3 bucket check failed, retrying on first use", zap.Error(err))
	}
	return storage
}

// Stores lists the configured backends.
func (c *Components) Stores() []media.Store {
	stores := []media.Store{c.Local}
	if c.Remote != nil {
		stores = append(stores, c.Remote)
	}
	return stores
}

func (c *Components) AttachmentDependencies() attachsvc.Dependencies {
	deps := attachsvc.Dependencies{
		Registry: c.Registry,
		Local:    c.Local,
		Queue:    c.Queue,
		Deriver:  c.Deriver,
		Scanner:  c.Scanner,
		Logger:   c.logger,
	}
	if c.Remote != nil {
		deps.Remote = c.Remote
	}
	return deps
}

func (c *Components) NewWorker() *render.Worker {
	return render.NewWorker(c.Queue, c.Registry, c.Stores(), c.Renderer, render.Config{
		Concurrency:  c.cfg.Worker.Concurrency,
		PollWait:     c.cfg.Worker.PollWait,
		PromoteEvery: c.cfg.Worker.PromoteEvery,
		Retry: render.RetryPolicy{
			MaxAttempts: c.cfg.Worker.MaxAttempts,
			Initial:     c.cfg.Worker.InitialBackoff,
			Max:         c.cfg.Worker.MaxBackoff,
		},
		MaxSourceBytes: c.cfg.Uploads.MaxObjectBytes,
	}, c.logger.Named("render_worker"))
}

func (c *Components) NewCleanup() *cleanup.Job {
	job := cleanup.New(c.cfg.Worker.StaleUploadAge, c.logger.Named("cleanup"))
	job.Attach("local", c.Local)
	if c.Remote != nil {
		job.Attach("remote", c.Remote)
	}
	return job
}

// Distributed reports whether separate processes can share the queue and
// registry.
func (c *Components) Distributed() bool {
	return c.pool != nil && c.redis != nil
}

func (c *Components) Close() error {
	var errs []error
	if c.pool != nil {
		c.pool.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
