package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDeriveResizesToTargetWidth(t *testing.T) {
	d := NewImageDeriver(Options{})

	out, err := d.Derive(context.Background(), bytes.NewReader(pngBytes(t, 640, 480)))
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)
}

func TestDeriveScalesNarrowImagesUpToTargetWidth(t *testing.T) {
	d := NewImageDeriver(Options{Width: 320})

	out, err := d.Derive(context.Background(), bytes.NewReader(pngBytes(t, 100, 50)))
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 160, cfg.Height)
}

func TestDeriveRejectsOversizedDecode(t *testing.T) {
	d := NewImageDeriver(Options{MaxDecodedBytes: 100 * 100 * 4})

	_, err := d.Derive(context.Background(), bytes.NewReader(pngBytes(t, 101, 100)))
	require.ErrorIs(t, err, ErrRender)
}

func TestDeriveWrapsDecodeFailures(t *testing.T) {
	d := NewImageDeriver(Options{})

	_, err := d.Derive(context.Background(), bytes.NewReader([]byte("not an image")))
	require.ErrorIs(t, err, ErrRender)
}

func TestDeriveHonoursCancelledContext(t *testing.T) {
	d := NewImageDeriver(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Derive(ctx, bytes.NewReader(pngBytes(t, 10, 10)))
	require.ErrorIs(t, err, ErrRender)
}
