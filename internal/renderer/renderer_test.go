package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/capture"
)

type fakeSurface struct {
	mu      sync.Mutex
	closed  bool
	enc     capture.Encoding
	quality float64
	data    []byte
	err     error
}

func (s *fakeSurface) Capture(ctx context.Context, enc capture.Encoding, quality float64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc, s.quality = enc, quality
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func (s *fakeSurface) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type fakeFactory struct {
	mu       sync.Mutex
	next     *fakeSurface
	surfaces []*fakeSurface
}

func (f *fakeFactory) NewSurface(ctx context.Context) (Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.next
	if s == nil {
		s = &fakeSurface{data: []byte{0xAA, 0xBB}}
	}
	f.next = nil
	f.surfaces = append(f.surfaces, s)
	return s, nil
}

func startRenderer(t *testing.T, factory *fakeFactory) (bus.Endpoint, *Renderer) {
	t.Helper()
	relaySide, rendererSide := bus.NewLocalPair()
	r := New(rendererSide, factory)
	r.Start()
	t.Cleanup(func() {
		r.Stop()
		_ = relaySide.Close()
		_ = rendererSide.Close()
	})
	return relaySide, r
}

func TestLocalReturnProducesDataURL(t *testing.T) {
	factory := &fakeFactory{next: &fakeSurface{data: []byte("img")}}
	relaySide, _ := startRenderer(t, factory)

	results := make(chan capture.ScreenshotResult, 1)
	relaySide.Subscribe(capture.EventScreenshotResult, func(payload json.RawMessage) {
		var res capture.ScreenshotResult
		_ = json.Unmarshal(payload, &res)
		results <- res
	})

	inst := capture.Instruction{
		Action:   capture.ActionRequestScreenshot,
		Encoding: capture.EncodingWEBP,
		Quality:  0.8,
		UID:      "uid-1",
	}
	if err := relaySide.Send(capture.EventCapture, inst); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	select {
	case res := <-results:
		if res.UID != "uid-1" {
			t.Fatalf("result UID = %q; want uid-1", res.UID)
		}
		if !strings.HasPrefix(res.Image, "data:image/webp;base64,") {
			t.Fatalf("result image = %q; want webp data URL", res.Image)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no screenshot result delivered")
	}

	surface := factory.surfaces[0]
	surface.mu.Lock()
	defer surface.mu.Unlock()
	if surface.enc != capture.EncodingWEBP || surface.quality != 0.8 {
		t.Fatalf("surface captured %s/%v; want webp/0.8", surface.enc, surface.quality)
	}
	if !surface.closed {
		t.Fatalf("surface not closed after capture")
	}
}

func TestLocalReturnAppliesDefaults(t *testing.T) {
	factory := &fakeFactory{}
	relaySide, _ := startRenderer(t, factory)

	results := make(chan capture.ScreenshotResult, 1)
	relaySide.Subscribe(capture.EventScreenshotResult, func(payload json.RawMessage) {
		var res capture.ScreenshotResult
		_ = json.Unmarshal(payload, &res)
		results <- res
	})

	inst := capture.Instruction{Action: capture.ActionRequestScreenshot, UID: "uid-2"}
	if err := relaySide.Send(capture.EventCapture, inst); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	select {
	case res := <-results:
		if !strings.HasPrefix(res.Image, "data:image/png;base64,") {
			t.Fatalf("result image = %q; want png data URL", res.Image)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no screenshot result delivered")
	}

	surface := factory.surfaces[0]
	surface.mu.Lock()
	defer surface.mu.Unlock()
	if surface.enc != capture.EncodingPNG || surface.quality != capture.DefaultLocalQuality {
		t.Fatalf("surface captured %s/%v; want png/%v", surface.enc, surface.quality, capture.DefaultLocalQuality)
	}
}

func TestCaptureFailureSendsNothingAndClosesSurface(t *testing.T) {
	failing := &fakeSurface{err: capture.NewError(capture.CodeSurface, "boom", nil)}
	factory := &fakeFactory{next: failing}
	relaySide, _ := startRenderer(t, factory)

	results := make(chan capture.ScreenshotResult, 1)
	relaySide.Subscribe(capture.EventScreenshotResult, func(payload json.RawMessage) {
		var res capture.ScreenshotResult
		_ = json.Unmarshal(payload, &res)
		results <- res
	})

	inst := capture.Instruction{Action: capture.ActionRequestScreenshot, UID: "uid-3"}
	if err := relaySide.Send(capture.EventCapture, inst); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	select {
	case res := <-results:
		t.Fatalf("unexpected result delivered: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}

	failing.mu.Lock()
	defer failing.mu.Unlock()
	if !failing.closed {
		t.Fatalf("surface not closed on failure path")
	}
}

func TestUploadPostsMultipartWithToken(t *testing.T) {
	type received struct {
		token     string
		formField string
		body      []byte
		extra     string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() = %v", err)
			return
		}
		var rec received
		rec.token = r.Header.Get(capture.TokenHeader)
		rec.extra = r.Header.Get("X-Custom")
		for field, headers := range r.MultipartForm.File {
			rec.formField = field
			f, err := headers[0].Open()
			if err != nil {
				t.Errorf("open part: %v", err)
				return
			}
			defer f.Close()
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(f)
			rec.body = buf.Bytes()
		}
		got <- rec
	}))
	defer srv.Close()

	factory := &fakeFactory{next: &fakeSurface{data: []byte("frame-bytes")}}
	relaySide, _ := startRenderer(t, factory)

	inst := capture.Instruction{
		Action:         capture.ActionCapture,
		UploadToken:    "tok-123",
		ServerEndpoint: srv.URL,
		FormField:      "screenshot",
		DataType:       capture.DataTypeBlob,
		Headers:        map[string]string{"X-Custom": "yes"},
	}
	if err := relaySide.Send(capture.EventCapture, inst); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	select {
	case rec := <-got:
		if rec.token != "tok-123" {
			t.Fatalf("token header = %q; want tok-123", rec.token)
		}
		if rec.formField != "screenshot" {
			t.Fatalf("form field = %q; want screenshot", rec.formField)
		}
		if string(rec.body) != "frame-bytes" {
			t.Fatalf("body = %q; want frame-bytes", rec.body)
		}
		if rec.extra != "yes" {
			t.Fatalf("custom header = %q; want yes", rec.extra)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("upload never arrived")
	}

	surface := factory.surfaces[0]
	surface.mu.Lock()
	defer surface.mu.Unlock()
	if surface.quality != capture.DefaultUploadQuality {
		t.Fatalf("upload quality = %v; want %v", surface.quality, capture.DefaultUploadQuality)
	}
	if !surface.closed {
		t.Fatalf("surface not closed after upload")
	}
}

func TestUploadDefaultsFormFieldToFile(t *testing.T) {
	fields := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		for field := range r.MultipartForm.File {
			fields <- field
		}
	}))
	defer srv.Close()

	factory := &fakeFactory{}
	relaySide, _ := startRenderer(t, factory)

	inst := capture.Instruction{
		Action:         capture.ActionCapture,
		UploadToken:    "tok",
		ServerEndpoint: srv.URL,
	}
	if err := relaySide.Send(capture.EventCapture, inst); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	select {
	case field := <-fields:
		if field != capture.DefaultFormField {
			t.Fatalf("form field = %q; want %q", field, capture.DefaultFormField)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("upload never arrived")
	}
}

func TestUploadBase64SendsJSONEnvelope(t *testing.T) {
	bodies := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		bodies <- body
	}))
	defer srv.Close()

	factory := &fakeFactory{next: &fakeSurface{data: []byte{1, 2}}}
	relaySide, _ := startRenderer(t, factory)

	inst := capture.Instruction{
		Action:         capture.ActionCapture,
		UploadToken:    "tok",
		ServerEndpoint: srv.URL,
		DataType:       capture.DataTypeBase64,
	}
	if err := relaySide.Send(capture.EventCapture, inst); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	select {
	case body := <-bodies:
		if !strings.HasPrefix(body["imageData"], "data:image/png;base64,") {
			t.Fatalf("imageData = %q; want png data URL", body["imageData"])
		}
		if body["dataType"] != string(capture.DataTypeBase64) {
			t.Fatalf("dataType = %q; want base64", body["dataType"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("upload never arrived")
	}
}

func TestEncodePNGRoundTripIsLossless(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 40), B: 7, A: 255})
		}
	}

	data, err := EncodeImage(src, capture.EncodingPNG, 1.0)
	if err != nil {
		t.Fatalf("EncodeImage(png) = %v; want nil", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode() = %v; want nil", err)
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			wr, wg, wb, wa := src.At(x, y).RGBA()
			gr, gg, gb, ga := decoded.At(x, y).RGBA()
			if wr != gr || wg != gg || wb != gb || wa != ga {
				t.Fatalf("pixel (%d,%d) changed after png round trip", x, y)
			}
		}
	}
}

func TestEncodeJPEGPreservesDimensions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 17, 9))
	data, err := EncodeImage(src, capture.EncodingJPG, 0.5)
	if err != nil {
		t.Fatalf("EncodeImage(jpg) = %v; want nil", err)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.Decode() = %v; want nil", err)
	}
	b := decoded.Bounds()
	if b.Dx() != 17 || b.Dy() != 9 {
		t.Fatalf("decoded dimensions = %dx%d; want 17x9", b.Dx(), b.Dy())
	}
}

func TestStaticSurfaceCannotEncodeWebp(t *testing.T) {
	factory := &StaticFactory{Width: 4, Height: 4}
	surface, err := factory.NewSurface(context.Background())
	if err != nil {
		t.Fatalf("NewSurface() = %v; want nil", err)
	}
	defer surface.Close()

	if _, err := surface.Capture(context.Background(), capture.EncodingWEBP, 0.5); err == nil {
		t.Fatalf("Capture(webp) = nil; want encode error")
	}
	if _, err := surface.Capture(context.Background(), capture.EncodingPNG, 1.0); err != nil {
		t.Fatalf("Capture(png) = %v; want nil", err)
	}
}
