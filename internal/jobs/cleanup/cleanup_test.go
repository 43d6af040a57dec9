package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSweeper struct {
	removed int
	err     error
	cutoffs []time.Time
}

func (f *fakeSweeper) SweepStale(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed, f.err
}

func TestRunSweepsWithRetentionCutoff(t *testing.T) {
	now := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	local := &fakeSweeper{removed: 2}
	remote := &fakeSweeper{removed: 1}

	job := New(48*time.Hour, nil)
	job.now = func() time.Time { return now }
	job.Attach("local", local)
	job.Attach("remote", remote)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run cleanup job: %v", err)
	}

	want := now.Add(-48 * time.Hour)
	for _, s := range []*fakeSweeper{local, remote} {
		if len(s.cutoffs) != 1 || !s.cutoffs[0].Equal(want) {
			t.Fatalf("unexpected cutoffs: %v", s.cutoffs)
		}
	}
}

func TestRunContinuesAfterSweeperFailure(t *testing.T) {
	boom := errors.New("s3 unavailable")
	failing := &fakeSweeper{err: boom}
	healthy := &fakeSweeper{}

	job := New(time.Hour, nil)
	job.Attach("remote", failing)
	job.Attach("local", healthy)

	err := job.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected sweeper error, got %v", err)
	}
	if len(healthy.cutoffs) != 1 {
		t.Fatalf("healthy sweeper must still run")
	}
}

func TestAttachIgnoresNilSweeper(t *testing.T) {
	job := New(time.Hour, nil)
	job.Attach("none", nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(job.sweepers) != 0 {
		t.Fatalf("nil sweeper should not be attached")
	}
}
