package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
)

const maxNameAttempts = 5

// LocalStorage keeps objects under a root directory served as static files.
type LocalStorage struct {
	root         string
	publicPrefix string
	now          func() time.Time
}

func NewLocalStorage(root, publicPrefix string) (*LocalStorage, error) {
	p := filepath.Clean(root)
	if err := os.MkdirAll(filepath.Join(p, strings.TrimSuffix(thumbnailPrefix, "/")), 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory %s: %w", p, err)
	}
	if publicPrefix == "" {
		publicPrefix = "/uploads"
	}
	return &LocalStorage{
		root:         p,
		publicPrefix: "/" + strings.Trim(publicPrefix, "/"),
		now:          time.Now,
	}, nil
}

func (s *LocalStorage) Backend() enums.StorageBackend {
	return enums.StorageBackendLocal
}

func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) Write(ctx context.Context, _ int64, nameHint, _ string, r io.Reader, size int64) (string, error) {
	if r == nil {
		return "", ErrValidation
	}

	tmpPath, err := s.writeTemp(ctx, r, size)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name, err := buildLocalName(s.now(), nameHint)
		if err != nil {
			return "", fmt.Errorf("build local name: %w", err)
		}
		// link fails on an existing target, so an object is never replaced.
		err = os.Link(tmpPath, filepath.Join(s.root, name))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("publish local object: %w", err)
		}
	}

	return "", fmt.Errorf("publish local object: name collision after %d attempts", maxNameAttempts)
}

func (s *LocalStorage) WriteThumbnail(ctx context.Context, sourceLocation, _ string, r io.Reader, size int64) (string, error) {
	if r == nil || strings.TrimSpace(sourceLocation) == "" {
		return "", ErrValidation
	}

	location := ThumbnailLocation(path.Base(sourceLocation))
	target, err := s.resolve(location)
	if err != nil {
		return "", err
	}

	tmpPath, err := s.writeTemp(ctx, r, size)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("publish thumbnail: %w", err)
	}

	return location, nil
}

func (s *LocalStorage) Read(_ context.Context, location string) (io.ReadCloser, ObjectInfo, error) {
	full, err := s.resolve(location)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("open local object: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("stat local object: %w", err)
	}

	return f, s.info(location, st), nil
}

func (s *LocalStorage) Stat(_ context.Context, location string) (ObjectInfo, error) {
	full, err := s.resolve(location)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat local object: %w", err)
	}
	return s.info(location, st), nil
}

// Delete tolerates a missing target.
func (s *LocalStorage) Delete(_ context.Context, location string) error {
	if strings.TrimSpace(location) == "" {
		return nil
	}
	full, err := s.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete local object: %w", err)
	}
	return nil
}

func (s *LocalStorage) PresignPut(context.Context, int64, string, string, time.Duration) (PresignedPut, error) {
	return PresignedPut{}, ErrNotSupported
}

func (s *LocalStorage) PresignGet(_ context.Context, location string, _ time.Duration) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", ErrValidation
	}
	return s.URL(location), nil
}

func (s *LocalStorage) URL(location string) string {
	return s.publicPrefix + "/" + strings.TrimPrefix(filepath.ToSlash(location), "/")
}

func (s *LocalStorage) writeTemp(ctx context.Context, r io.Reader, size int64) (string, error) {
	f, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}

	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if size > 0 && n != size {
		return fail(fmt.Errorf("%w: wrote %d bytes, expected %d", ErrValidation, n, size))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("fsync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return tmpPath, nil
}

func (s *LocalStorage) resolve(location string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(strings.TrimSpace(location)))
	if clean == "/" || strings.Contains(location, "..") {
		return "", fmt.Errorf("%w: invalid location %q", ErrValidation, location)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *LocalStorage) info(location string, st os.FileInfo) ObjectInfo {
	contentType := mime.TypeByExtension(path.Ext(location))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return ObjectInfo{
		Size:        st.Size(),
		ContentType: contentType,
		ModTime:     st.ModTime(),
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ Store = (*LocalStorage)(nil)
