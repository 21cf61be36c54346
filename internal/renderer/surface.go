package renderer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/dgnsrekt/screencapture/internal/capture"
)

// Surface is a drawable frame source scoped to exactly one capture
// operation: created immediately before the capture, closed on every exit
// path. Concurrent captures each own their own Surface.
type Surface interface {
	// Capture rasterizes the current frame and returns it encoded with
	// the platform codec for enc at the given quality in [0,1].
	Capture(ctx context.Context, enc capture.Encoding, quality float64) ([]byte, error)

	Close()
}

// SurfaceFactory produces a fresh Surface per capture.
type SurfaceFactory interface {
	NewSurface(ctx context.Context) (Surface, error)
}

// StaticFactory produces surfaces that rasterize a synthetic test pattern.
// It keeps the renderer operable without a browser attached.
type StaticFactory struct {
	Width  int
	Height int
}

// NewSurface implements SurfaceFactory.
func (f *StaticFactory) NewSurface(ctx context.Context) (Surface, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}
	return &staticSurface{width: w, height: h}, nil
}

type staticSurface struct {
	width  int
	height int
	closed bool
}

func (s *staticSurface) Capture(ctx context.Context, enc capture.Encoding, quality float64) ([]byte, error) {
	if s.closed {
		return nil, capture.NewError(capture.CodeSurface, "surface already closed", nil)
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / s.width),
				G: uint8(y * 255 / s.height),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return EncodeImage(img, enc, quality)
}

func (s *staticSurface) Close() { s.closed = true }

// EncodeImage encodes img using Go's platform codecs. WEBP has no encoder
// outside the browser surface, so requesting it here fails.
func EncodeImage(img image.Image, enc capture.Encoding, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	switch enc {
	case capture.EncodingPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, capture.NewError(capture.CodeEncode, "png encode failed", err)
		}
	case capture.EncodingJPG:
		q := int(quality * 100)
		if q < 1 {
			q = 1
		}
		if q > 100 {
			q = 100
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, capture.NewError(capture.CodeEncode, "jpeg encode failed", err)
		}
	case capture.EncodingWEBP:
		return nil, capture.NewError(capture.CodeEncode, "webp encoding requires a browser surface", nil)
	default:
		return nil, capture.NewError(capture.CodeValidation, fmt.Sprintf("unrecognized encoding %q", enc), nil)
	}
	return buf.Bytes(), nil
}

// DataURL renders encoded image bytes as a data URL for the local-return
// path.
func DataURL(enc capture.Encoding, data []byte) string {
	return "data:" + capture.MIMEType(enc) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
