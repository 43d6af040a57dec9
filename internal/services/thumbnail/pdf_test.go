package thumbnail

import (
	"bytes"
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteRendererPostsPDF(t *testing.T) {
	var gotQuery, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pdf-to-preview", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("preview-bytes"))
	}))
	defer srv.Close()

	r := NewRemoteRenderer(srv.Client(), srv.URL+"/", Options{Width: 200, Quality: 70})
	out, err := r.Render(context.Background(), []byte("%PDF-1.7"))
	require.NoError(t, err)

	assert.Equal(t, []byte("preview-bytes"), out)
	assert.Equal(t, "quality=70&width=200", gotQuery)
	assert.Equal(t, "application/pdf", gotType)
	assert.Equal(t, []byte("%PDF-1.7"), gotBody)
}

func TestRemoteRendererFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemoteRenderer(srv.Client(), srv.URL, Options{})
	_, err := r.Render(context.Background(), []byte("%PDF"))
	require.ErrorIs(t, err, ErrRender)
}

func TestRasterRendererUsesFirstPage(t *testing.T) {
	dir := t.TempDir()

	fixture := filepath.Join(dir, "page.png")
	require.NoError(t, os.WriteFile(fixture, pngBytes(t, 640, 900), 0o600))
	t.Setenv("FAKE_PAGE_PNG", fixture)

	argsFile := filepath.Join(dir, "args.txt")
	t.Setenv("FAKE_ARGS_FILE", argsFile)

	script := filepath.Join(dir, "fake-pdftoppm")
	body := "#!/bin/sh\necho \"$@\" > \"$FAKE_ARGS_FILE\"\nfor last; do :; done\ncp \"$FAKE_PAGE_PNG\" \"$last.png\"\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	r := NewRasterRenderer(NewImageDeriver(Options{Width: 320}))
	r.binary = script

	out, err := r.Render(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 450, cfg.Height)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-f 1 -l 1 -singlefile -png -scale-to-x 320 -scale-to-y -1")
}

func TestRasterRendererWrapsCommandFailure(t *testing.T) {
	r := NewRasterRenderer(NewImageDeriver(Options{}))
	r.binary = filepath.Join(t.TempDir(), "missing-binary")

	_, err := r.Render(context.Background(), []byte("%PDF-1.4"))
	require.ErrorIs(t, err, ErrRender)
}

func TestRasterRendererStopsHungRasterizer(t *testing.T) {
	script := filepath.Join(t.TempDir(), "hung-pdftoppm")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	r := NewRasterRenderer(NewImageDeriver(Options{RenderTimeout: 100 * time.Millisecond}))
	r.binary = script

	start := time.Now()
	_, err := r.Render(context.Background(), []byte("%PDF-1.4"))
	require.ErrorIs(t, err, ErrRender)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewPDFRendererSelectsStrategy(t *testing.T) {
	d := NewImageDeriver(Options{})

	embedded, err := NewPDFRenderer("embedded", d, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &RasterRenderer{}, embedded)

	remote, err := NewPDFRenderer("remote", d, nil, "http://render:8090")
	require.NoError(t, err)
	assert.IsType(t, &RemoteRenderer{}, remote)

	_, err = NewPDFRenderer("remote", d, nil, "")
	require.Error(t, err)

	_, err = NewPDFRenderer("magic", d, nil, "")
	require.Error(t, err)
}
