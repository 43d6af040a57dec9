package render

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
	"github.com/ivankudzin/attachvault/internal/domain/model"
	"github.com/ivankudzin/attachvault/internal/repo/memory"
	"github.com/ivankudzin/attachvault/internal/services/media"
)

type fakeRenderer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeRenderer) Render(_ context.Context, pdf []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("render failed")
	}
	return append([]byte("jpeg:"), pdf[:4]...), nil
}

type workerFixture struct {
	queue    *MemoryQueue
	registry *memory.AttachmentRepo
	store    *media.LocalStorage
	renderer *fakeRenderer
	worker   *Worker
	att      model.Attachment
	job      model.RenderJob
}

func newWorkerFixture(t *testing.T, failures int) *workerFixture {
	t.Helper()
	ctx := context.Background()

	store, err := media.NewLocalStorage(t.TempDir(), "/uploads")
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	location, err := store.Write(ctx, 1, "doc.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.4")), 8)
	if err != nil {
		t.Fatalf("write source: %v", err)
	}

	registry := memory.NewAttachmentRepo()
	att, _ := registry.Create(ctx, model.Attachment{
		ParentID: 1, OriginalName: "doc.pdf", Location: location, MimeType: "application/pdf",
		Backend: enums.StorageBackendLocal,
	})
	att, _ = registry.SetThumbnail(ctx, 1, att.ID, model.ThumbnailPending())

	queue := NewMemoryQueue(time.Minute)
	job := model.RenderJob{
		JobID:        "job-1",
		ParentID:     1,
		AttachmentID: att.ID,
		Source:       model.ObjectRef{Backend: enums.StorageBackendLocal, Location: location},
		Destination:  model.ObjectRef{Backend: enums.StorageBackendLocal, Location: media.ThumbnailLocation(location)},
	}
	if _, err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	renderer := &fakeRenderer{failures: failures}
	worker := NewWorker(queue, registry, []media.Store{store}, renderer, Config{
		Concurrency: 1,
		PollWait:    10 * time.Millisecond,
		Retry:       RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}, nil)

	return &workerFixture{queue: queue, registry: registry, store: store, renderer: renderer, worker: worker, att: att, job: job}
}

// drain processes jobs, promoting retries immediately, until the queue is idle.
func (f *workerFixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = f.queue.PromoteDue(ctx, time.Now().Add(time.Hour))
		handled, err := f.worker.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !handled {
			stats, _ := f.queue.Stats(ctx)
			if stats.Delayed == 0 {
				return
			}
		}
	}
}

func TestWorkerMarksReadyBeforeAck(t *testing.T) {
	f := newWorkerFixture(t, 0)
	f.drain(t)

	got, err := f.registry.Get(context.Background(), 1, f.att.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Thumbnail.IsReady() || got.Thumbnail.Location != f.job.Destination.Location {
		t.Fatalf("unexpected thumbnail: %+v", got.Thumbnail)
	}

	rc, _, err := f.store.Read(context.Background(), got.Thumbnail.Location)
	if err != nil {
		t.Fatalf("read thumbnail: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "jpeg:%PDF" {
		t.Fatalf("unexpected thumbnail bytes: %q", body)
	}

	stats, _ := f.queue.Stats(context.Background())
	if stats.Pending != 0 || stats.Processing != 0 || stats.Dead != 0 {
		t.Fatalf("unexpected queue stats: %+v", stats)
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	f := newWorkerFixture(t, 2)
	f.drain(t)

	if f.renderer.calls != 3 {
		t.Fatalf("expected 3 render calls, got %d", f.renderer.calls)
	}
	got, _ := f.registry.Get(context.Background(), 1, f.att.ID)
	if !got.Thumbnail.IsReady() {
		t.Fatalf("expected ready after retries, got %+v", got.Thumbnail)
	}
}

func TestWorkerFailsAfterRetriesExhausted(t *testing.T) {
	f := newWorkerFixture(t, 10)
	f.drain(t)

	if f.renderer.calls != 3 {
		t.Fatalf("expected 3 render attempts, got %d", f.renderer.calls)
	}
	got, _ := f.registry.Get(context.Background(), 1, f.att.ID)
	if got.Thumbnail.State != enums.ThumbnailFailed {
		t.Fatalf("expected Failed, got %s", got.Thumbnail.State)
	}
	stats, _ := f.queue.Stats(context.Background())
	if stats.Dead != 1 {
		t.Fatalf("expected one dead letter, got %+v", stats)
	}
}

func TestWorkerDropsJobForDeletedAttachment(t *testing.T) {
	f := newWorkerFixture(t, 0)
	if _, err := f.registry.Delete(context.Background(), 1, f.att.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.drain(t)

	if f.renderer.calls != 0 {
		t.Fatalf("renderer should not run for deleted attachments")
	}
	if _, err := f.store.Stat(context.Background(), f.job.Destination.Location); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("no thumbnail should be written, got %v", err)
	}
	stats, _ := f.queue.Stats(context.Background())
	if stats.Processing != 0 || stats.Dead != 0 {
		t.Fatalf("job should be acked: %+v", stats)
	}
}

func TestWorkerFailsFastWhenSourceMissing(t *testing.T) {
	f := newWorkerFixture(t, 0)
	if err := f.store.Delete(context.Background(), f.job.Source.Location); err != nil {
		t.Fatalf("delete source: %v", err)
	}
	f.drain(t)

	if f.renderer.calls != 0 {
		t.Fatalf("renderer should not run without a source")
	}
	got, _ := f.registry.Get(context.Background(), 1, f.att.ID)
	if got.Thumbnail.State != enums.ThumbnailFailed {
		t.Fatalf("expected Failed, got %s", got.Thumbnail.State)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.registry.Get(context.Background(), 1, f.att.ID)
		if got.Thumbnail.IsReady() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after cancel")
	}

	got, _ := f.registry.Get(context.Background(), 1, f.att.ID)
	if !got.Thumbnail.IsReady() {
		t.Fatalf("expected thumbnail to be ready, got %+v", got.Thumbnail)
	}
}
