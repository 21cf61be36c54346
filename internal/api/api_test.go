package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/screencapture/internal/authority"
	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/capture"
	"github.com/dgnsrekt/screencapture/internal/config"
	"github.com/dgnsrekt/screencapture/internal/relay"
	"github.com/dgnsrekt/screencapture/internal/renderer"
	"github.com/dgnsrekt/screencapture/internal/snapshot"
	"github.com/dgnsrekt/screencapture/internal/token"
)

type harness struct {
	srv     *httptest.Server
	auth    *authority.Authority
	rel     *relay.Relay
	rend    *renderer.Renderer
	rendEnd bus.Endpoint
	store   *snapshot.Store
}

// newHarness wires the full service: authority and relay over one local
// pair, relay and renderer over another, snapshots in a temp dir, and the
// renderer posting uploads back into the same httptest server.
func newHarness(t *testing.T, profiles *config.ProfilesConfig) *harness {
	t.Helper()

	// The relay needs the server URL before the handler exists, so the
	// handler is installed after wiring through an atomic slot.
	var handler atomic.Pointer[http.Handler]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*handler.Load()).ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() = %v; want nil", err)
	}
	vault := token.NewVault(0)
	t.Cleanup(vault.Close)

	authorityEnd, relayUp := bus.NewLocalPair()
	relayDown, rendererEnd := bus.NewLocalPair()

	auth := authority.New(authorityEnd, vault, store, nil)
	auth.Start()
	t.Cleanup(auth.Close)

	rel := relay.New(relayUp, relayDown, srv.URL+"/image", 5*time.Second)
	rel.Start()
	t.Cleanup(rel.Close)

	rend := renderer.New(rendererEnd, &renderer.StaticFactory{Width: 64, Height: 48})
	rend.Start()
	t.Cleanup(rend.Stop)

	root := NewServer(Deps{
		Broker:      rel,
		Authority:   auth,
		Snapshots:   store,
		Profiles:    profiles,
		WaitTimeout: 5 * time.Second,
	})
	handler.Store(&root)

	return &harness{srv: srv, auth: auth, rel: rel, rend: rend, rendEnd: rendererEnd, store: store}
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Post(%s) = %v; want nil", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/health")
	if err != nil {
		t.Fatalf("Get(/health) = %v; want nil", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		Status string `json:"status"`
	}](t, resp)
	if body.Status != "ok" {
		t.Errorf("status = %q; want ok", body.Status)
	}
}

func TestTakeScreenshotReturnsDataURL(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.postJSON(t, "/api/v1/screenshots", map[string]any{"encoding": "png"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		Image string `json:"image"`
	}](t, resp)
	if !strings.HasPrefix(body.Image, "data:image/png;base64,") {
		t.Errorf("image = %.40q...; want a png data URL", body.Image)
	}
}

func TestCaptureAndUploadRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.postJSON(t, "/api/v1/captures", map[string]any{
		"url":      "https://storage.example.com/frames",
		"encoding": "png",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		CorrelationID string                  `json:"correlation_id"`
		Upload        *capture.UploadResponse `json:"upload"`
	}](t, resp)
	if body.CorrelationID == "" {
		t.Error("correlation_id is empty")
	}
	if body.Upload == nil {
		t.Fatal("upload = nil; want completed upload")
	}
	if body.Upload.Format != "png" {
		t.Errorf("upload format = %q; want png", body.Upload.Format)
	}
	if body.Upload.Width != 64 || body.Upload.Height != 48 {
		t.Errorf("upload dims = %dx%d; want 64x48", body.Upload.Width, body.Upload.Height)
	}

	meta, err := h.store.Get(body.Upload.SnapshotID)
	if err != nil {
		t.Fatalf("store.Get(%s) = %v; want nil", body.Upload.SnapshotID, err)
	}
	if meta.CorrelationID != body.CorrelationID {
		t.Errorf("stored correlation = %q; want %q", meta.CorrelationID, body.CorrelationID)
	}
}

func TestCaptureAsyncReturnsImmediately(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.postJSON(t, "/api/v1/captures", map[string]any{
		"url":      "https://storage.example.com/frames",
		"encoding": "png",
		"async":    true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		CorrelationID string                  `json:"correlation_id"`
		Upload        *capture.UploadResponse `json:"upload"`
	}](t, resp)
	if body.CorrelationID == "" {
		t.Error("correlation_id is empty")
	}
	if body.Upload != nil {
		t.Errorf("upload = %+v; want nil for async request", body.Upload)
	}
}

func TestCaptureWithProfile(t *testing.T) {
	profiles := &config.ProfilesConfig{Profiles: []config.Profile{{
		Name:     "archive",
		URL:      "https://archive.example.com/put",
		Encoding: "png",
	}}}
	h := newHarness(t, profiles)

	resp := h.postJSON(t, "/api/v1/captures", map[string]any{"profile": "archive"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		Upload *capture.UploadResponse `json:"upload"`
	}](t, resp)
	if body.Upload == nil || body.Upload.Format != "png" {
		t.Fatalf("upload = %+v; want completed png upload", body.Upload)
	}
}

func TestCaptureUnknownProfile(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.postJSON(t, "/api/v1/captures", map[string]any{"profile": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCaptureRequiresURL(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.postJSON(t, "/api/v1/captures", map[string]any{"encoding": "png"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadEndpointSingleUse(t *testing.T) {
	h := newHarness(t, nil)

	// Stand in for the renderer so the issued token can be replayed by
	// hand instead of being consumed by a real upload.
	h.rend.Stop()
	tokens := make(chan string, 1)
	unsub := h.rendEnd.Subscribe(capture.EventCapture, func(payload json.RawMessage) {
		var inst capture.Instruction
		if err := json.Unmarshal(payload, &inst); err != nil {
			t.Errorf("bad instruction payload: %v", err)
			return
		}
		tokens <- inst.UploadToken
	})
	defer unsub()

	if _, err := h.auth.CaptureScreen(capture.Options{Encoding: capture.EncodingPNG}, ""); err != nil {
		t.Fatalf("CaptureScreen() = %v; want nil", err)
	}

	var tok string
	select {
	case tok = <-tokens:
	case <-time.After(2 * time.Second):
		t.Fatal("no capture instruction reached the renderer endpoint")
	}
	if tok == "" {
		t.Fatal("instruction carried an empty upload token")
	}

	upload := func() *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "capture.png")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(pngBytes(t, 12, 7)); err != nil {
			t.Fatalf("write part: %v", err)
		}
		mw.Close()

		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/image", &buf)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set(capture.TokenHeader, tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		return resp
	}

	first := upload()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first upload status = %d; want 200", first.StatusCode)
	}
	body := decodeBody[capture.UploadResponse](t, first)
	if body.Format != "png" || body.Width != 12 || body.Height != 7 {
		t.Errorf("upload response = %+v; want 12x7 png", body)
	}

	second := upload()
	if second.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed upload status = %d; want 401", second.StatusCode)
	}
	second.Body.Close()
}

func TestUploadRejectsMissingToken(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Post(h.srv.URL+"/image", "application/json",
		strings.NewReader(`{"imageData":"data:image/png;base64,AQID","dataType":"base64"}`))
	if err != nil {
		t.Fatalf("Post = %v; want nil", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSnapshotLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.postJSON(t, "/api/v1/captures", map[string]any{
		"url":      "https://storage.example.com/frames",
		"encoding": "png",
	})
	body := decodeBody[struct {
		Upload *capture.UploadResponse `json:"upload"`
	}](t, resp)
	if body.Upload == nil {
		t.Fatal("upload = nil; want completed upload")
	}
	id := body.Upload.SnapshotID

	listResp, err := http.Get(h.srv.URL + "/api/v1/snapshots")
	if err != nil {
		t.Fatalf("Get(snapshots) = %v; want nil", err)
	}
	list := decodeBody[struct {
		Snapshots []snapshot.Meta `json:"snapshots"`
	}](t, listResp)
	if len(list.Snapshots) != 1 || list.Snapshots[0].ID != id {
		t.Fatalf("snapshots = %+v; want single entry %s", list.Snapshots, id)
	}

	imgResp, err := http.Get(h.srv.URL + "/api/v1/snapshots/" + id + "/image")
	if err != nil {
		t.Fatalf("Get(image) = %v; want nil", err)
	}
	if imgResp.StatusCode != http.StatusOK {
		t.Fatalf("image status = %d; want 200", imgResp.StatusCode)
	}
	if ct := imgResp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q; want image/png", ct)
	}
	imgResp.Body.Close()

	delReq, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/v1/snapshots/"+id, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("Do(delete) = %v; want nil", err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d; want 200", delResp.StatusCode)
	}
	delResp.Body.Close()

	missing, err := http.Get(h.srv.URL + "/api/v1/snapshots/" + id + "/metadata")
	if err != nil {
		t.Fatalf("Get(metadata) = %v; want nil", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("metadata status after delete = %d; want 404", missing.StatusCode)
	}
	missing.Body.Close()
}

func TestStatsReportsCounters(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("Get(stats) = %v; want nil", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	stats := decodeBody[map[string]any](t, resp)
	for _, key := range []string{"pending_uploads", "unmatched_completions", "active_tokens"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q: %v", key, stats)
		}
	}
}
