package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrRender wraps every thumbnail failure. It never reaches API clients.
var ErrRender = errors.New("thumbnail render failed")

const (
	ContentType = "image/jpeg"
	Extension   = ".jpg"

	DefaultWidth           = 320
	DefaultQuality         = 80
	DefaultMaxDecodedBytes = 64 << 20
	DefaultRenderTimeout   = 60 * time.Second
)

type Options struct {
	Width           int
	Quality         int
	MaxDecodedBytes int64
	// RenderTimeout bounds one embedded PDF rasterization.
	RenderTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	if o.MaxDecodedBytes <= 0 {
		o.MaxDecodedBytes = DefaultMaxDecodedBytes
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = DefaultRenderTimeout
	}
	return o
}

// ImageDeriver turns a raster image into a JPEG preview of fixed width.
type ImageDeriver struct {
	opts Options
}

func NewImageDeriver(opts Options) *ImageDeriver {
	return &ImageDeriver{opts: opts.withDefaults()}
}

func (d *ImageDeriver) Options() Options {
	return d.opts
}

func (d *ImageDeriver) Derive(ctx context.Context, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read image: %v", ErrRender, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	// crafted headers can claim huge dimensions; check before allocating
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: read image dimensions: %v", ErrRender, err)
	}
	if int64(cfg.Width)*int64(cfg.Height)*4 > d.opts.MaxDecodedBytes {
		return nil, fmt.Errorf("%w: image too large: %dx%d", ErrRender, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrRender, err)
	}

	return d.Encode(img)
}

// Encode scales img to exactly the configured width, keeping the aspect
// ratio, and encodes it as JPEG.
func (d *ImageDeriver) Encode(img image.Image) ([]byte, error) {
	src := img.Bounds()
	if src.Dx() <= 0 || src.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrRender)
	}

	w := d.opts.Width
	h := int(int64(src.Dy()) * int64(w) / int64(src.Dx()))
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha channel
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: d.opts.Quality}); err != nil {
		return nil, fmt.Errorf("%w: encode jpeg: %v", ErrRender, err)
	}
	return buf.Bytes(), nil
}
