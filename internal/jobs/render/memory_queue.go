package render

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/model"
)

// MemoryQueue is a single-process Queue with the same delivery rules as the
// Redis queue.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []model.RenderJob
	processing map[string]lease
	delayed    []delayedJob
	dead       []model.RenderJob
	active     map[string]struct{}
	signal     chan struct{}
	seq        int64
	visibility time.Duration
	now        func() time.Time
}

type lease struct {
	job   model.RenderJob
	until time.Time
}

type delayedJob struct {
	job model.RenderJob
	due time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &MemoryQueue{
		processing: map[string]lease{},
		active:     map[string]struct{}{},
		signal:     make(chan struct{}),
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job model.RenderJob) (bool, error) {
	if err := validateJob(job); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := DedupeKey(job)
	if _, ok := q.active[key]; ok {
		return false, nil
	}
	q.active[key] = struct{}{}
	q.push(job)
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (Delivery, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.seq++
			token := job.JobID + "#" + strconv.FormatInt(q.seq, 10)
			q.processing[token] = lease{job: job, until: q.now().Add(q.visibility)}
			q.mu.Unlock()
			return Delivery{Job: job, Token: token}, true, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, false, ctx.Err()
		case <-timer.C:
			return Delivery{}, false, nil
		case <-signal:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[d.Token]; !ok {
		return nil
	}
	delete(q.processing, d.Token)
	delete(q.active, DedupeKey(d.Job))
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, d Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[d.Token]; !ok {
		return nil
	}
	delete(q.processing, d.Token)

	job := d.Job
	job.Attempt++
	q.delayed = append(q.delayed, delayedJob{job: job, due: q.now().Add(delay)})
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, d Delivery, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[d.Token]; !ok {
		return nil
	}
	delete(q.processing, d.Token)
	delete(q.active, DedupeKey(d.Job))
	q.dead = append(q.dead, d.Job)
	return nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })

	promoted := 0
	for len(q.delayed) > 0 && !q.delayed[0].due.After(now) {
		q.push(q.delayed[0].job)
		q.delayed = q.delayed[1:]
		promoted++
	}
	return promoted, nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	requeued := 0
	for token, l := range q.processing {
		if l.until.After(now) {
			continue
		}
		delete(q.processing, token)
		q.push(l.job)
		requeued++
	}
	return requeued, nil
}

func (q *MemoryQueue) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:    int64(len(q.pending)),
		Processing: int64(len(q.processing)),
		Delayed:    int64(len(q.delayed)),
		Dead:       int64(len(q.dead)),
	}, nil
}

// push must be called with mu held.
func (q *MemoryQueue) push(job model.RenderJob) {
	q.pending = append(q.pending, job)
	close(q.signal)
	q.signal = make(chan struct{})
}

var _ Queue = (*MemoryQueue)(nil)
