package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUsesDefaultsAndYAMLOverrides(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	yaml := `
storage:
  backend: remote
uploads:
  max_upload_bytes: 2097152
  allowed_mime_types: [application/pdf, image/png]
thumbnail:
  width: 200
  pdf_renderer: remote
  render_service_url: http://render:8090
worker:
  concurrency: 4
  initial_backoff: 500ms
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Storage.Backend != "remote" {
		t.Fatalf("unexpected storage backend: %s", cfg.Storage.Backend)
	}
	if cfg.Uploads.MaxUploadBytes != 2<<20 {
		t.Fatalf("unexpected max upload bytes: %d", cfg.Uploads.MaxUploadBytes)
	}
	if len(cfg.Uploads.AllowedMimeTypes) != 2 {
		t.Fatalf("unexpected allow-list: %v", cfg.Uploads.AllowedMimeTypes)
	}
	if cfg.Thumbnail.Width != 200 {
		t.Fatalf("unexpected thumbnail width: %d", cfg.Thumbnail.Width)
	}
	if cfg.Thumbnail.PDFRenderer != "remote" || cfg.Thumbnail.RenderServiceURL != "http://render:8090" {
		t.Fatalf("unexpected pdf renderer config: %+v", cfg.Thumbnail)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("unexpected worker concurrency: %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected initial backoff: %s", cfg.Worker.InitialBackoff)
	}

	if cfg.Thumbnail.Quality != 80 {
		t.Fatalf("thumbnail quality default should stay 80")
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Fatalf("worker max attempts default should stay 3")
	}
	if cfg.S3.URLTTL != 60*time.Second {
		t.Fatalf("s3 url ttl default should stay 60s")
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config with missing file: %v", err)
	}

	if cfg.Storage.Backend != "local" || cfg.Storage.UploadsDir != "uploads" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Uploads.MaxUploadBytes != 10<<20 {
		t.Fatalf("unexpected default upload ceiling: %d", cfg.Uploads.MaxUploadBytes)
	}
	if len(cfg.Uploads.AllowedMimeTypes) != 5 {
		t.Fatalf("unexpected default allow-list: %v", cfg.Uploads.AllowedMimeTypes)
	}
	if cfg.Uploads.Placeholder != "/static/thumb-placeholder.svg" {
		t.Fatalf("unexpected placeholder: %s", cfg.Uploads.Placeholder)
	}
	if cfg.Thumbnail.Width != 320 {
		t.Fatalf("unexpected default thumbnail width: %d", cfg.Thumbnail.Width)
	}
	if cfg.Registry.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected default drivers: registry=%s queue=%s", cfg.Registry.Driver, cfg.Queue.Driver)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORAGE_BACKEND", "REMOTE")
	t.Setenv("ALLOWED_MIME_TYPES", "application/pdf, Image/PNG ,")
	t.Setenv("MAX_OBJECT_BYTES", "52428800")
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("WORKER_MAX_ATTEMPTS", "5")
	t.Setenv("WORKER_STALE_UPLOAD_AGE", "6h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Storage.Backend != "remote" {
		t.Fatalf("unexpected storage backend: %s", cfg.Storage.Backend)
	}
	if len(cfg.Uploads.AllowedMimeTypes) != 2 || cfg.Uploads.AllowedMimeTypes[1] != "image/png" {
		t.Fatalf("unexpected allow-list: %v", cfg.Uploads.AllowedMimeTypes)
	}
	if cfg.Uploads.MaxObjectBytes != 50<<20 {
		t.Fatalf("unexpected max object bytes: %d", cfg.Uploads.MaxObjectBytes)
	}
	if cfg.Queue.Driver != "redis" {
		t.Fatalf("unexpected queue driver: %s", cfg.Queue.Driver)
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts: %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Worker.StaleUploadAge != 6*time.Hour {
		t.Fatalf("unexpected stale upload age: %s", cfg.Worker.StaleUploadAge)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STORAGE_BACKEND":   "ftp",
		"REGISTRY_DRIVER":   "sqlite",
		"PDF_RENDERER":      "magic",
		"THUMB_QUALITY":     "0",
		"ANTIVIRUS_ENABLED": "true",
		"MAX_UPLOAD_BYTES":  "abc",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV",
		"HTTP_ADDR",
		"HTTP_READ_TIMEOUT",
		"HTTP_WRITE_TIMEOUT",
		"HTTP_IDLE_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"POSTGRES_DSN",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY",
		"S3_SECRET_KEY",
		"S3_BUCKET",
		"S3_REGION",
		"S3_PUBLIC_URL",
		"S3_USE_SSL",
		"S3_URL_TTL",
		"AUTH_TOKEN",
		"STORAGE_BACKEND",
		"UPLOADS_DIR",
		"ALLOWED_MIME_TYPES",
		"MAX_UPLOAD_BYTES",
		"MAX_OBJECT_BYTES",
		"THUMB_WIDTH",
		"THUMB_QUALITY",
		"PDF_RENDERER",
		"RENDER_SERVICE_URL",
		"THUMBNAILER_ADDR",
		"ANTIVIRUS_ENABLED",
		"ANTIVIRUS_URL",
		"REGISTRY_DRIVER",
		"QUEUE_DRIVER",
		"WORKER_EMBEDDED",
		"WORKER_CONCURRENCY",
		"WORKER_MAX_ATTEMPTS",
		"WORKER_INITIAL_BACKOFF",
		"WORKER_MAX_BACKOFF",
		"WORKER_LEASE_TIMEOUT",
		"WORKER_SWEEP_EVERY",
		"WORKER_STALE_UPLOAD_AGE",
	} {
		t.Setenv(key, "")
	}
}
