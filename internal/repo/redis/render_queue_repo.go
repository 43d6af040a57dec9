package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/attachvault/internal/domain/model"
	"github.com/ivankudzin/attachvault/internal/jobs/render"
)

const (
	renderPendingKey    = "render:pending"
	renderProcessingKey = "render:processing"
	renderDelayedKey    = "render:delayed"
	renderLeasesKey     = "render:leases"
	renderDeadKey       = "render:dead"
	renderActivePrefix  = "render:active:"

	promoteBatch  = 100
	deadLetterCap = 1000
)

// RenderQueueRepo is a Redis-backed render.Queue shared by every API and
// worker process.
type RenderQueueRepo struct {
	client     *goredis.Client
	dedupeTTL  time.Duration
	visibility time.Duration
	now        func() time.Time
}

type deadLetter struct {
	Job      model.RenderJob `json:"job"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failedAt"`
}

func NewRenderQueueRepo(client *goredis.Client, dedupeTTL, visibility time.Duration) *RenderQueueRepo {
	if dedupeTTL <= 0 {
		dedupeTTL = 30 * time.Minute
	}
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &RenderQueueRepo{
		client:     client,
		dedupeTTL:  dedupeTTL,
		visibility: visibility,
		now:        time.Now,
	}
}

func activeKey(job model.RenderJob) string {
	return renderActivePrefix + render.DedupeKey(job)
}

func (r *RenderQueueRepo) Enqueue(ctx context.Context, job model.RenderJob) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if job.JobID == "" || job.ParentID <= 0 || job.AttachmentID <= 0 || job.Source.Location == "" {
		return false, render.ErrMalformedJob
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode render job: %w", err)
	}

	claimed, err := r.client.SetNX(ctx, activeKey(job), job.JobID, r.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim render dedupe key: %w", err)
	}
	if !claimed {
		return false, nil
	}

	if err := r.client.LPush(ctx, renderPendingKey, payload).Err(); err != nil {
		_ = r.client.Del(ctx, activeKey(job)).Err()
		return false, fmt.Errorf("push render job: %w", err)
	}

	return true, nil
}

// Dequeue moves one job atomically from pending to processing, so each job
// has exactly one consumer.
func (r *RenderQueueRepo) Dequeue(ctx context.Context, wait time.Duration) (render.Delivery, bool, error) {
	if r.client == nil {
		return render.Delivery{}, false, fmt.Errorf("redis client is nil")
	}

	raw, err := r.client.BRPopLPush(ctx, renderPendingKey, renderProcessingKey, wait).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return render.Delivery{}, false, nil
		}
		return render.Delivery{}, false, fmt.Errorf("pop render job: %w", err)
	}

	leaseUntil := r.now().Add(r.visibility)
	if err := r.client.ZAdd(ctx, renderLeasesKey, goredis.Z{Score: unixScore(leaseUntil), Member: raw}).Err(); err != nil {
		return render.Delivery{}, false, fmt.Errorf("record render lease: %w", err)
	}

	var job model.RenderJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_ = r.deadLetterRaw(ctx, raw)
		return render.Delivery{}, false, fmt.Errorf("%w: %v", render.ErrMalformedJob, err)
	}

	return render.Delivery{Job: job, Token: raw}, true, nil
}

func (r *RenderQueueRepo) Ack(ctx context.Context, d render.Delivery) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, renderProcessingKey, 1, d.Token)
		pipe.ZRem(ctx, renderLeasesKey, d.Token)
		pipe.Del(ctx, activeKey(d.Job))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack render job: %w", err)
	}
	return nil
}

func (r *RenderQueueRepo) Retry(ctx context.Context, d render.Delivery, delay time.Duration) error {
	job := d.Job
	job.Attempt++
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode render job: %w", err)
	}

	due := r.now().Add(delay)
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, renderProcessingKey, 1, d.Token)
		pipe.ZRem(ctx, renderLeasesKey, d.Token)
		pipe.ZAdd(ctx, renderDelayedKey, goredis.Z{Score: unixScore(due), Member: payload})
		pipe.Expire(ctx, activeKey(job), r.dedupeTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule render retry: %w", err)
	}
	return nil
}

func (r *RenderQueueRepo) Fail(ctx context.Context, d render.Delivery, reason string) error {
	payload, err := json.Marshal(deadLetter{Job: d.Job, Reason: reason, FailedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, renderProcessingKey, 1, d.Token)
		pipe.ZRem(ctx, renderLeasesKey, d.Token)
		pipe.LPush(ctx, renderDeadKey, payload)
		pipe.LTrim(ctx, renderDeadKey, 0, deadLetterCap-1)
		pipe.Del(ctx, activeKey(d.Job))
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter render job: %w", err)
	}
	return nil
}

// PromoteDue moves due retries back to pending. Concurrent promoters race on
// ZREM and only the winner pushes.
func (r *RenderQueueRepo) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := r.client.ZRangeByScore(ctx, renderDelayedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due render retries: %w", err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := r.client.ZRem(ctx, renderDelayedKey, m).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim due render retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, renderPendingKey, m).Err(); err != nil {
			return promoted, fmt.Errorf("promote render retry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueExpired returns jobs whose consumer stopped renewing its lease.
func (r *RenderQueueRepo) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	members, err := r.client.ZRangeByScore(ctx, renderLeasesKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired render leases: %w", err)
	}

	requeued := 0
	for _, m := range members {
		removed, err := r.client.ZRem(ctx, renderLeasesKey, m).Result()
		if err != nil {
			return requeued, fmt.Errorf("claim expired render lease: %w", err)
		}
		if removed == 0 {
			continue
		}
		n, err := r.client.LRem(ctx, renderProcessingKey, 1, m).Result()
		if err != nil {
			return requeued, fmt.Errorf("release expired render job: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := r.client.RPush(ctx, renderPendingKey, m).Err(); err != nil {
			return requeued, fmt.Errorf("requeue expired render job: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

func (r *RenderQueueRepo) Stats(ctx context.Context) (render.Stats, error) {
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, renderPendingKey)
	processing := pipe.LLen(ctx, renderProcessingKey)
	delayed := pipe.ZCard(ctx, renderDelayedKey)
	dead := pipe.LLen(ctx, renderDeadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return render.Stats{}, fmt.Errorf("read render queue stats: %w", err)
	}

	return render.Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

func (r *RenderQueueRepo) deadLetterRaw(ctx context.Context, raw string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, renderProcessingKey, 1, raw)
		pipe.ZRem(ctx, renderLeasesKey, raw)
		pipe.LPush(ctx, renderDeadKey, raw)
		return nil
	})
	return err
}

func unixScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

var _ render.Queue = (*RenderQueueRepo)(nil)
