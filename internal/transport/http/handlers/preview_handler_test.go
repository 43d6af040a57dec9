package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ivankudzin/attachvault/internal/jobs/render"
	"github.com/ivankudzin/attachvault/internal/services/thumbnail"
)

type recordingRenderer struct {
	width   int
	quality int
	got     []byte
	err     error
}

func (r *recordingRenderer) Render(_ context.Context, pdf []byte) ([]byte, error) {
	r.got = pdf
	if r.err != nil {
		return nil, r.err
	}
	return []byte(fmt.Sprintf("jpeg:%dx%d", r.width, r.quality)), nil
}

func newPreviewHandler(renderer *recordingRenderer) *PreviewHandler {
	return NewPreviewHandler(func(width, quality int) thumbnail.PDFRenderer {
		renderer.width = width
		renderer.quality = quality
		return renderer
	}, thumbnail.Options{Width: 320, Quality: 80}, nil)
}

func TestPDFToPreviewRendersWithRequestedSize(t *testing.T) {
	renderer := &recordingRenderer{}
	handler := newPreviewHandler(renderer)

	req := httptest.NewRequest(http.MethodPost, "/pdf-to-preview?width=200&quality=70", bytes.NewReader([]byte("%PDF-1.7")))
	rr := httptest.NewRecorder()
	handler.PDFToPreview(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", got)
	}
	if rr.Body.String() != "jpeg:200x70" || string(renderer.got) != "%PDF-1.7" {
		t.Fatalf("unexpected render: %s / %q", rr.Body.String(), renderer.got)
	}
}

func TestPDFToPreviewDefaults(t *testing.T) {
	renderer := &recordingRenderer{}
	handler := newPreviewHandler(renderer)

	rr := httptest.NewRecorder()
	handler.PDFToPreview(rr, httptest.NewRequest(http.MethodPost, "/pdf-to-preview", bytes.NewReader([]byte("%PDF"))))
	if rr.Code != http.StatusOK || renderer.width != 320 || renderer.quality != 80 {
		t.Fatalf("defaults not applied: %d %d %d", rr.Code, renderer.width, renderer.quality)
	}
}

func TestPDFToPreviewRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name   string
		target string
		body   []byte
		err    error
		status int
	}{
		{name: "bad width", target: "/pdf-to-preview?width=abc", body: []byte("%PDF"), status: http.StatusBadRequest},
		{name: "width too large", target: "/pdf-to-preview?width=5000", body: []byte("%PDF"), status: http.StatusBadRequest},
		{name: "bad quality", target: "/pdf-to-preview?quality=101", body: []byte("%PDF"), status: http.StatusBadRequest},
		{name: "empty body", target: "/pdf-to-preview", body: nil, status: http.StatusBadRequest},
		{name: "too large", target: "/pdf-to-preview", body: make([]byte, maxPreviewBody+1), status: http.StatusRequestEntityTooLarge},
		{name: "render failure", target: "/pdf-to-preview", body: []byte("%PDF"), err: thumbnail.ErrRender, status: http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newPreviewHandler(&recordingRenderer{err: tc.err})
			rr := httptest.NewRecorder()
			handler.PDFToPreview(rr, httptest.NewRequest(http.MethodPost, tc.target, bytes.NewReader(tc.body)))
			if rr.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rr.Code, tc.status)
			}
		})
	}
}

type failingStats struct{}

func (failingStats) Stats(context.Context) (render.Stats, error) {
	return render.Stats{}, errors.New("redis down")
}

func TestRenderQueueStatsErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRenderQueueHandler(failingStats{}, nil).Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/render-queue", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	NewRenderQueueHandler(nil, nil).Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/render-queue", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}
