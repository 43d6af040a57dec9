package workerapp

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/config"
)

func TestNewRequiresSharedQueueAndRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.UploadsDir = t.TempDir()
	cfg.S3.Endpoint = ""

	_, err := New(context.Background(), cfg, zap.NewNop())
	if !errors.Is(err, ErrNotDistributed) {
		t.Fatalf("expected ErrNotDistributed, got %v", err)
	}
}

func TestNewRejectsNilLogger(t *testing.T) {
	if _, err := New(context.Background(), config.Default(), nil); err == nil {
		t.Fatalf("expected error for nil logger")
	}
}
