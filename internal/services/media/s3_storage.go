package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
)

// S3Storage stores objects in a single bucket of an S3-compatible service.
type S3Storage struct {
	client    *minio.Client
	core      *minio.Core
	bucket    string
	publicURL string
	now       func() time.Time

	ensureMu sync.Mutex
	ensured  bool
}

func NewS3Storage(client *minio.Client, bucket, publicURL string) *S3Storage {
	s := &S3Storage{
		client:    client,
		bucket:    strings.TrimSpace(bucket),
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		now:       time.Now,
	}
	if client != nil {
		s.core = &minio.Core{Client: client}
	}
	return s
}

func (s *S3Storage) Backend() enums.StorageBackend {
	return enums.StorageBackendRemote
}

func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("s3 client is nil")
	}
	if s.bucket == "" {
		return fmt.Errorf("s3 bucket is empty")
	}

	// only success is remembered; a failed check runs again on the next call
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("ensure s3 bucket %q: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("ensure s3 bucket %q: %w", s.bucket, err)
		}
	}
	s.ensured = true

	return nil
}

func (s *S3Storage) Write(ctx context.Context, parentID int64, nameHint, contentType string, r io.Reader, size int64) (string, error) {
	if parentID <= 0 || r == nil {
		return "", ErrValidation
	}
	key, err := buildRemoteKey(s.now(), parentID, nameHint)
	if err != nil {
		return "", fmt.Errorf("build object key: %w", err)
	}
	if err := s.put(ctx, key, contentType, r, size); err != nil {
		return "", err
	}
	return key, nil
}

func (s *S3Storage) WriteThumbnail(ctx context.Context, sourceLocation, contentType string, r io.Reader, size int64) (string, error) {
	if strings.TrimSpace(sourceLocation) == "" || r == nil {
		return "", ErrValidation
	}
	key := ThumbnailLocation(sourceLocation)
	if err := s.put(ctx, key, contentType, r, size); err != nil {
		return "", err
	}
	return key, nil
}

func (s *S3Storage) put(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	if err := s.EnsureBucket(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 {
		size = -1
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object to s3: %w", err)
	}
	return nil
}

func (s *S3Storage) Read(ctx context.Context, location string) (io.ReadCloser, ObjectInfo, error) {
	if s.client == nil {
		return nil, ObjectInfo{}, fmt.Errorf("s3 client is nil")
	}
	if location == "" {
		return nil, ObjectInfo{}, ErrValidation
	}

	obj, err := s.client.GetObject(ctx, s.bucket, location, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapS3Error("get object", err)
	}
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, mapS3Error("stat object", err)
	}

	return obj, objectInfo(st), nil
}

func (s *S3Storage) Stat(ctx context.Context, location string) (ObjectInfo, error) {
	if s.client == nil {
		return ObjectInfo{}, fmt.Errorf("s3 client is nil")
	}
	if location == "" {
		return ObjectInfo{}, ErrValidation
	}
	st, err := s.client.StatObject(ctx, s.bucket, location, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapS3Error("stat object", err)
	}
	return objectInfo(st), nil
}

func (s *S3Storage) Delete(ctx context.Context, location string) error {
	if s.client == nil || location == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, location, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(mapS3Error("", err), ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Storage) PresignPut(ctx context.Context, parentID int64, nameHint, contentType string, ttl time.Duration) (PresignedPut, error) {
	if s.client == nil {
		return PresignedPut{}, fmt.Errorf("s3 client is nil")
	}
	if parentID <= 0 {
		return PresignedPut{}, ErrValidation
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return PresignedPut{}, err
	}

	key, err := buildRemoteKey(s.now(), parentID, nameHint)
	if err != nil {
		return PresignedPut{}, fmt.Errorf("build object key: %w", err)
	}

	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return PresignedPut{}, fmt.Errorf("presign put object: %w", err)
	}

	headers := map[string]string{}
	if strings.TrimSpace(contentType) != "" {
		headers["Content-Type"] = contentType
	}

	return PresignedPut{
		UploadURL: presigned.String(),
		ObjectURL: s.URL(key),
		Key:       key,
		Headers:   headers,
		ExpiresIn: ttl,
	}, nil
}

func (s *S3Storage) PresignGet(ctx context.Context, location string, ttl time.Duration) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("s3 client is nil")
	}
	if location == "" {
		return "", ErrValidation
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, location, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}

	return presigned.String(), nil
}

// URL is the plain object URL. It is only readable when the bucket is public.
func (s *S3Storage) URL(location string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + location
	}
	if s.client == nil {
		return location
	}
	endpoint := s.client.EndpointURL()
	return fmt.Sprintf("%s://%s/%s/%s", endpoint.Scheme, endpoint.Host, s.bucket, location)
}

func (s *S3Storage) InitiateMultipart(ctx context.Context, parentID int64, filename, contentType string) (string, string, error) {
	if s.core == nil {
		return "", "", fmt.Errorf("s3 client is nil")
	}
	if parentID <= 0 {
		return "", "", ErrValidation
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return "", "", err
	}

	key, err := buildRemoteKey(s.now(), parentID, filename)
	if err != nil {
		return "", "", fmt.Errorf("build object key: %w", err)
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}

	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", fmt.Errorf("create multipart upload: %w", err)
	}

	return key, uploadID, nil
}

func (s *S3Storage) PresignPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	if s.core == nil {
		return "", fmt.Errorf("s3 client is nil")
	}
	if key == "" || uploadID == "" || partNumber < 1 || partNumber > 10000 {
		return "", ErrValidation
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}

	params := url.Values{}
	params.Set("partNumber", fmt.Sprintf("%d", partNumber))
	params.Set("uploadId", uploadID)

	presigned, err := s.core.Presign(ctx, http.MethodPut, s.bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign upload part: %w", err)
	}

	return presigned.String(), nil
}

func (s *S3Storage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	if s.core == nil {
		return "", fmt.Errorf("s3 client is nil")
	}
	if key == "" || uploadID == "" || len(parts) == 0 {
		return "", ErrValidation
	}

	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return "", mapS3Error("complete multipart upload", err)
	}

	return s.URL(key), nil
}

func (s *S3Storage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if s.core == nil {
		return fmt.Errorf("s3 client is nil")
	}
	if key == "" || uploadID == "" {
		return ErrValidation
	}
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		if errors.Is(mapS3Error("", err), ErrNotFound) {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func objectInfo(st minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Size:        st.Size,
		ContentType: st.ContentType,
		ETag:        st.ETag,
		ModTime:     st.LastModified,
	}
}

func mapS3Error(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchUpload", "NotFound":
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if op == "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ Store     = (*S3Storage)(nil)
	_ Multipart = (*S3Storage)(nil)
)
