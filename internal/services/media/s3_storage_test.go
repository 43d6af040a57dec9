package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Presigning is computed locally, so these run without a server.
func newOfflineS3Storage(t *testing.T) *S3Storage {
	t.Helper()
	client, err := minio.New("127.0.0.1:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minio", "minio123", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("new minio client: %v", err)
	}
	s := NewS3Storage(client, "attachments", "")
	// mark the bucket as ensured so presign does not dial out
	s.ensured = true
	return s
}

func TestS3StorageEnsureBucketRetriesAfterFailure(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && strings.HasPrefix(r.URL.Path, "/attachments") {
			heads.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer srv.Close()

	client, err := minio.New(strings.TrimPrefix(srv.URL, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4("minio", "minio123", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("new minio client: %v", err)
	}
	s := NewS3Storage(client, "attachments", "")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.EnsureBucket(canceled); err == nil {
		t.Fatalf("expected an error for a canceled check")
	}

	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("healthy check after a failed one: %v", err)
	}
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("cached check: %v", err)
	}
	if got := heads.Load(); got != 1 {
		t.Fatalf("bucket checked %d times, want 1", got)
	}
}

func TestS3StoragePresignPut(t *testing.T) {
	s := newOfflineS3Storage(t)

	put, err := s.PresignPut(context.Background(), 9, "scan.pdf", "application/pdf", 0)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if !strings.HasPrefix(put.Key, "9/") || !strings.HasSuffix(put.Key, "-scan.pdf") {
		t.Fatalf("unexpected key: %s", put.Key)
	}
	if put.ExpiresIn != DefaultURLTTL {
		t.Fatalf("unexpected ttl: %s", put.ExpiresIn)
	}
	if put.Headers["Content-Type"] != "application/pdf" {
		t.Fatalf("missing content type header: %v", put.Headers)
	}
	if put.ObjectURL != "http://127.0.0.1:9000/attachments/"+put.Key {
		t.Fatalf("unexpected object url: %s", put.ObjectURL)
	}

	u, err := url.Parse(put.UploadURL)
	if err != nil {
		t.Fatalf("parse upload url: %v", err)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Fatalf("upload url is not signed: %s", put.UploadURL)
	}
}

func TestS3StoragePresignPartCarriesSession(t *testing.T) {
	s := newOfflineS3Storage(t)

	raw, err := s.PresignPart(context.Background(), "9/1-ab-big.pdf", "upload-123", 2, time.Minute)
	if err != nil {
		t.Fatalf("presign part: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse part url: %v", err)
	}
	if u.Query().Get("partNumber") != "2" || u.Query().Get("uploadId") != "upload-123" {
		t.Fatalf("unexpected part query: %s", u.RawQuery)
	}

	if _, err := s.PresignPart(context.Background(), "9/1-ab-big.pdf", "upload-123", 0, time.Minute); err == nil {
		t.Fatalf("expected validation error for part 0")
	}
}

func TestS3StoragePublicURLOverride(t *testing.T) {
	s := NewS3Storage(nil, "attachments", "https://cdn.example.com/files/")
	if got := s.URL("9/a.pdf"); got != "https://cdn.example.com/files/9/a.pdf" {
		t.Fatalf("unexpected url: %s", got)
	}
}
