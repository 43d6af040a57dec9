package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/model"
)

var ErrMalformedJob = errors.New("malformed render job")

// Delivery is a job handed to exactly one consumer. Token identifies the
// in-flight copy for Ack, Retry and Fail.
type Delivery struct {
	Job   model.RenderJob
	Token string
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

// Queue holds render jobs. Enqueue reports false when a job for the same
// attachment is already outstanding. Jobs are not ordered relative to each
// other.
type Queue interface {
	Enqueue(ctx context.Context, job model.RenderJob) (bool, error)
	Dequeue(ctx context.Context, wait time.Duration) (Delivery, bool, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
	Fail(ctx context.Context, d Delivery, reason string) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// DedupeKey names the outstanding-job marker of one attachment.
func DedupeKey(job model.RenderJob) string {
	return fmt.Sprintf("%d:%d", job.ParentID, job.AttachmentID)
}

func validateJob(job model.RenderJob) error {
	if job.JobID == "" || job.ParentID <= 0 || job.AttachmentID <= 0 || job.Source.Location == "" {
		return ErrMalformedJob
	}
	return nil
}
