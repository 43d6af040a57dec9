package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	RendererEmbedded = "embedded"
	RendererRemote   = "remote"

	maxRenderedBytes = 20 << 20
)

// PDFRenderer renders the first page of a PDF into preview bytes.
type PDFRenderer interface {
	Render(ctx context.Context, pdf []byte) ([]byte, error)
}

// RasterRenderer rasterizes with poppler's pdftoppm and re-encodes the page
// through the image deriver.
type RasterRenderer struct {
	binary  string
	deriver *ImageDeriver
}

func NewRasterRenderer(deriver *ImageDeriver) *RasterRenderer {
	return &RasterRenderer{binary: "pdftoppm", deriver: deriver}
}

func CheckRasterizerAvailable() error {
	_, err := exec.LookPath("pdftoppm")
	return err
}

func (r *RasterRenderer) Render(ctx context.Context, pdf []byte) ([]byte, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("%w: empty pdf", ErrRender)
	}

	dir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", ErrRender, err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write temp pdf: %v", ErrRender, err)
	}
	outPrefix := filepath.Join(dir, "page")

	opts := r.deriver.Options()
	ctx, cancel := context.WithTimeout(ctx, opts.RenderTimeout)
	defer cancel()

	width := strconv.Itoa(opts.Width)
	cmd := exec.CommandContext(ctx, r.binary,
		"-f", "1", "-l", "1",
		"-singlefile",
		"-png",
		"-scale-to-x", width,
		"-scale-to-y", "-1",
		input,
		outPrefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// children of a killed rasterizer may hold stderr open
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: pdftoppm failed: %v (stderr: %s)", ErrRender, err, strings.TrimSpace(stderr.String()))
	}

	page, err := os.Open(outPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("%w: open rendered page: %v", ErrRender, err)
	}
	defer page.Close()

	img, _, err := image.Decode(page)
	if err != nil {
		return nil, fmt.Errorf("%w: decode rendered page: %v", ErrRender, err)
	}

	return r.deriver.Encode(img)
}

// RemoteRenderer delegates rendering to a render service over HTTP.
type RemoteRenderer struct {
	client   *http.Client
	endpoint string
	width    int
	quality  int
}

func NewRemoteRenderer(client *http.Client, baseURL string, opts Options) *RemoteRenderer {
	if client == nil {
		client = http.DefaultClient
	}
	opts = opts.withDefaults()
	return &RemoteRenderer{
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + "/pdf-to-preview",
		width:    opts.Width,
		quality:  opts.Quality,
	}
}

func (r *RemoteRenderer) Render(ctx context.Context, pdf []byte) ([]byte, error) {
	q := url.Values{}
	q.Set("width", strconv.Itoa(r.width))
	q.Set("quality", strconv.Itoa(r.quality))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"?"+q.Encode(), bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRender, err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: call render service: %v", ErrRender, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: render service status %d: %s", ErrRender, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read render response: %v", ErrRender, err)
	}
	if len(out) == 0 || len(out) > maxRenderedBytes {
		return nil, fmt.Errorf("%w: render response size %d", ErrRender, len(out))
	}
	return out, nil
}

// NewPDFRenderer picks the strategy named by kind.
func NewPDFRenderer(kind string, deriver *ImageDeriver, client *http.Client, serviceURL string) (PDFRenderer, error) {
	switch kind {
	case "", RendererEmbedded:
		return NewRasterRenderer(deriver), nil
	case RendererRemote:
		if strings.TrimSpace(serviceURL) == "" {
			return nil, fmt.Errorf("render service url is required for remote pdf renderer")
		}
		return NewRemoteRenderer(client, serviceURL, deriver.Options()), nil
	default:
		return nil, fmt.Errorf("unknown pdf renderer %q", kind)
	}
}
