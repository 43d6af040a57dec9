package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("object not found")
	ErrNotSupported = errors.New("operation not supported by backend")
)

const (
	DefaultURLTTL   = 60 * time.Second
	thumbnailPrefix = "thumbnails/"
	thumbnailSuffix = ".thumb.jpg"
	maxNameLength   = 100
)

// Store is a byte store addressed by opaque locations.
type Store interface {
	Backend() enums.StorageBackend
	Write(ctx context.Context, parentID int64, nameHint, contentType string, r io.Reader, size int64) (string, error)
	WriteThumbnail(ctx context.Context, sourceLocation, contentType string, r io.Reader, size int64) (string, error)
	Read(ctx context.Context, location string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, location string) (ObjectInfo, error)
	Delete(ctx context.Context, location string) error
	PresignPut(ctx context.Context, parentID int64, nameHint, contentType string, ttl time.Duration) (PresignedPut, error)
	PresignGet(ctx context.Context, location string, ttl time.Duration) (string, error)
	URL(location string) string
}

// Multipart is implemented by backends that accept chunked client uploads.
type Multipart interface {
	InitiateMultipart(ctx context.Context, parentID int64, filename, contentType string) (key, uploadID string, err error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

type ObjectInfo struct {
	Size        int64
	ContentType string
	ETag        string
	ModTime     time.Time
}

type PresignedPut struct {
	UploadURL string
	ObjectURL string
	Key       string
	Headers   map[string]string
	ExpiresIn time.Duration
}

type Part struct {
	PartNumber int
	ETag       string
}

// ThumbnailLocation derives the thumbnail location for a source location.
func ThumbnailLocation(sourceLocation string) string {
	return thumbnailPrefix + strings.TrimPrefix(sourceLocation, "/") + thumbnailSuffix
}

// KeyBelongsTo reports whether a remote key was issued for parentID.
func KeyBelongsTo(parentID int64, key string) bool {
	prefix := strconv.FormatInt(parentID, 10) + "/"
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := strings.TrimPrefix(key, prefix)
	return rest != "" && !strings.Contains(rest, "..") && !strings.Contains(rest, "/")
}

func buildLocalName(now time.Time, nameHint string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<40))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), strconv.FormatInt(n.Int64(), 36), extension(nameHint)), nil
}

func buildRemoteKey(now time.Time, parentID int64, filename string) (string, error) {
	rnd := make([]byte, 4)
	if _, err := rand.Read(rnd); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%d-%s-%s", parentID, now.UnixMilli(), hex.EncodeToString(rnd), SanitizeFilename(filename)), nil
}

func extension(nameHint string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(nameHint)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

// SanitizeFilename keeps a conservative character set so the name is safe
// inside an object key and a Content-Disposition header.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "file"
	}
	if len(out) > maxNameLength {
		ext := extension(out)
		out = out[:maxNameLength-len(ext)] + ext
	}
	return out
}
