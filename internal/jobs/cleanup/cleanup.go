package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper removes leftovers of uploads that never finished.
type Sweeper interface {
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

type namedSweeper struct {
	name    string
	sweeper Sweeper
}

// Job sweeps abandoned temp files and multipart uploads older than retention.
type Job struct {
	sweepers  []namedSweeper
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(retention time.Duration, logger *zap.Logger) *Job {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

func (j *Job) Attach(name string, s Sweeper) {
	if s == nil {
		return
	}
	j.sweepers = append(j.sweepers, namedSweeper{name: name, sweeper: s})
}

// Run sweeps every attached store once. One failing store does not stop the
// others.
func (j *Job) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)

	var errs []error
	for _, s := range j.sweepers {
		n, err := s.sweeper.SweepStale(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", s.name, err))
			continue
		}
		if n > 0 {
			j.logger.Info("cleanup stale uploads completed", zap.String("store", s.name), zap.Int("removed", n))
		}
	}
	return errors.Join(errs...)
}

// Loop runs the job every interval until ctx is done.
func (j *Job) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || len(j.sweepers) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("cleanup stale uploads failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
