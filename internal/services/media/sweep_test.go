package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalStorageSweepStaleRemovesOldTempFiles(t *testing.T) {
	s := newLocalStorage(t)
	now := time.Now()

	oldTemp := filepath.Join(s.Root(), ".upload-111")
	freshTemp := filepath.Join(s.Root(), ".upload-222")
	oldThumbTemp := filepath.Join(s.Root(), "thumbnails", ".upload-333")
	object := filepath.Join(s.Root(), "1700000000000-abc.pdf")
	for _, p := range []string{oldTemp, freshTemp, oldThumbTemp, object} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}
	old := now.Add(-2 * time.Hour)
	for _, p := range []string{oldTemp, oldThumbTemp, object} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := s.SweepStale(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	for _, p := range []string{oldTemp, oldThumbTemp} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed", p)
		}
	}
	for _, p := range []string{freshTemp, object} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should remain: %v", p, err)
		}
	}
}
