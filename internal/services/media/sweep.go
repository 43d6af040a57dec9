package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempPrefix = ".upload-"

// SweepStale removes temp files left behind by interrupted writes.
func (s *LocalStorage) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, dir := range []string{s.root, filepath.Join(s.root, strings.TrimSuffix(thumbnailPrefix, "/"))} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("list %s: %w", dir, err)
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("remove stale temp file: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// SweepStale aborts multipart uploads that were started before cutoff and
// never completed or aborted by the client.
func (s *S3Storage) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	if s.client == nil || s.core == nil {
		return 0, fmt.Errorf("s3 client is nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	aborted := 0
	for upload := range s.client.ListIncompleteUploads(ctx, s.bucket, "", true) {
		if upload.Err != nil {
			return aborted, fmt.Errorf("list incomplete uploads: %w", upload.Err)
		}
		if !upload.Initiated.Before(cutoff) {
			continue
		}
		if err := s.core.AbortMultipartUpload(ctx, s.bucket, upload.Key, upload.UploadID); err != nil {
			if errors.Is(mapS3Error("", err), ErrNotFound) {
				continue
			}
			return aborted, fmt.Errorf("abort stale multipart upload %s: %w", upload.Key, err)
		}
		aborted++
	}
	return aborted, nil
}
