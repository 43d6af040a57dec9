package model

import (
	"testing"

	"github.com/ivankudzin/attachvault/internal/domain/enums"
)

func TestThumbnailTransitionsNeverRegress(t *testing.T) {
	cases := []struct {
		from Thumbnail
		to   enums.ThumbnailState
		want bool
	}{
		{ThumbnailNone(), enums.ThumbnailPending, true},
		{ThumbnailNone(), enums.ThumbnailReady, false},
		{ThumbnailNone(), enums.ThumbnailFailed, false},
		{ThumbnailPending(), enums.ThumbnailReady, true},
		{ThumbnailPending(), enums.ThumbnailFailed, true},
		{ThumbnailPending(), enums.ThumbnailNone, false},
		{ThumbnailPending(), enums.ThumbnailPending, false},
		{ThumbnailReady("a.jpg", enums.StorageBackendLocal), enums.ThumbnailFailed, false},
		{ThumbnailReady("a.jpg", enums.StorageBackendLocal), enums.ThumbnailPending, false},
		{ThumbnailFailed(), enums.ThumbnailReady, false},
		{ThumbnailFailed(), enums.ThumbnailNone, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("transition %s -> %s: got %v want %v", tc.from.State, tc.to, got, tc.want)
		}
	}
}

func TestThumbnailReadyRequiresLocation(t *testing.T) {
	if ThumbnailReady("", enums.StorageBackendRemote).IsReady() {
		t.Fatalf("ready thumbnail without location must not report ready")
	}
	if !ThumbnailReady("thumbnails/a.thumb.jpg", enums.StorageBackendRemote).IsReady() {
		t.Fatalf("expected ready thumbnail")
	}
}
