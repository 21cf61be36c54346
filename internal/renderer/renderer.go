// Package renderer executes capture instructions: it owns the drawable
// surface, encodes the frame, and either returns the result across the bus
// or uploads it over HTTP with the single-use token attached.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/capture"
)

// Renderer listens for capture instructions on its bus endpoint.
type Renderer struct {
	endpoint bus.Endpoint
	surfaces SurfaceFactory
	client   *http.Client

	unregister func()
	wg         sync.WaitGroup
}

// New creates a Renderer reading instructions from endpoint and drawing on
// surfaces from factory.
func New(endpoint bus.Endpoint, factory SurfaceFactory) *Renderer {
	return &Renderer{
		endpoint: endpoint,
		surfaces: factory,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Start subscribes to capture instructions. Each instruction runs in its own
// goroutine; concurrent captures are independent, each with its own surface.
func (r *Renderer) Start() {
	r.unregister = r.endpoint.Subscribe(capture.EventCapture, func(payload json.RawMessage) {
		var inst capture.Instruction
		if err := json.Unmarshal(payload, &inst); err != nil {
			slog.Warn("renderer: bad instruction payload", "error", err)
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(inst)
		}()
	})
}

// Stop unsubscribes and waits for in-flight captures to finish.
func (r *Renderer) Stop() {
	if r.unregister != nil {
		r.unregister()
		r.unregister = nil
	}
	r.wg.Wait()
}

func (r *Renderer) handle(inst capture.Instruction) {
	switch inst.Action {
	case capture.ActionCapture:
		r.captureAndUpload(inst)
	case capture.ActionRequestScreenshot:
		r.captureAndReturn(inst)
	default:
		slog.Warn("renderer: unrecognized action", "action", inst.Action)
	}
}

// captureFrame applies the defaults, creates a surface for the duration of
// one capture and returns the encoded frame. The surface is closed on every
// path out.
func (r *Renderer) captureFrame(inst capture.Instruction, defQuality float64) (capture.Encoding, []byte, error) {
	enc, err := capture.NormalizeEncoding(inst.Encoding)
	if err != nil {
		return "", nil, err
	}
	quality, err := capture.NormalizeQuality(inst.Quality, defQuality)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	surface, err := r.surfaces.NewSurface(ctx)
	if err != nil {
		return "", nil, capture.NewError(capture.CodeSurface, "create surface", err)
	}
	defer surface.Close()

	data, err := surface.Capture(ctx, enc, quality)
	if err != nil {
		return "", nil, err
	}
	return enc, data, nil
}

// captureAndReturn is the local-return path: the result travels back across
// the bus as a data URL keyed by the instruction's UID. Failures are logged
// and produce no message; the waiting entry times out on its own side.
func (r *Renderer) captureAndReturn(inst capture.Instruction) {
	enc, data, err := r.captureFrame(inst, capture.DefaultLocalQuality)
	if err != nil {
		slog.Error("renderer: screenshot failed", "uid", inst.UID, "error", err)
		return
	}

	result := capture.ScreenshotResult{UID: inst.UID, Image: DataURL(enc, data)}
	if err := r.endpoint.Send(capture.EventScreenshotResult, result); err != nil {
		slog.Error("renderer: send screenshot result failed", "uid", inst.UID, "error", err)
	}
}

// captureAndUpload is the upload path: the result goes straight to the
// server endpoint with the token attached, never back across the bus.
func (r *Renderer) captureAndUpload(inst capture.Instruction) {
	if inst.ServerEndpoint == "" {
		slog.Error("renderer: capture instruction missing server endpoint")
		return
	}
	enc, data, err := r.captureFrame(inst, capture.DefaultUploadQuality)
	if err != nil {
		slog.Error("renderer: capture failed", "error", err)
		return
	}

	if err := r.uploadImage(inst, enc, data); err != nil {
		slog.Error("renderer: upload failed", "endpoint", inst.ServerEndpoint, "error", err)
	}
}

func (r *Renderer) uploadImage(inst capture.Instruction, enc capture.Encoding, data []byte) error {
	body, contentType, err := buildRequestBody(inst, enc, data)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, inst.ServerEndpoint, body)
	if err != nil {
		return capture.NewError(capture.CodeUpload, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(capture.TokenHeader, inst.UploadToken)
	for k, v := range inst.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return capture.NewError(capture.CodeUpload, "post image", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return capture.NewError(capture.CodeUpload, fmt.Sprintf("server responded %d", resp.StatusCode), nil)
	}
	slog.Debug("renderer: upload accepted", "endpoint", inst.ServerEndpoint, "bytes", len(data))
	return nil
}

// buildRequestBody packages the frame either as a multipart form (blob) or
// as a JSON envelope carrying the data URL (base64).
func buildRequestBody(inst capture.Instruction, enc capture.Encoding, data []byte) (io.Reader, string, error) {
	if inst.DataType == capture.DataTypeBase64 {
		payload, err := json.Marshal(struct {
			ImageData string           `json:"imageData"`
			DataType  capture.DataType `json:"dataType"`
		}{ImageData: DataURL(enc, data), DataType: inst.DataType})
		if err != nil {
			return nil, "", capture.NewError(capture.CodeEncode, "marshal upload body", err)
		}
		return bytes.NewReader(payload), "application/json; charset=UTF-8", nil
	}

	field := inst.FormField
	if field == "" {
		field = capture.DefaultFormField
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "capture."+string(enc))
	if err != nil {
		return nil, "", capture.NewError(capture.CodeEncode, "create form file", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", capture.NewError(capture.CodeEncode, "write form file", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", capture.NewError(capture.CodeEncode, "finalize form", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
