// Package relay sits between the authority and the renderer. It originates
// capture requests, owns the pending-request registries for requests it
// started, and routes completions back to the original caller by
// correlation ID.
package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/capture"
	"github.com/dgnsrekt/screencapture/internal/correlate"
)

// ScreenshotRequest asks for a local-return screenshot.
type ScreenshotRequest struct {
	Encoding capture.Encoding
	Quality  float64
}

// UploadOptions configures a capture-and-upload request. All fields are
// optional; a nil *UploadOptions applies the legacy defaults
// (empty headers, webp encoding).
type UploadOptions struct {
	Encoding  capture.Encoding
	Quality   float64
	Headers   map[string]string
	FormField string
	DataType  capture.DataType
}

func defaultUploadOptions() *UploadOptions {
	return &UploadOptions{Encoding: capture.EncodingWEBP, Headers: map[string]string{}}
}

// Relay routes instructions down to the renderer and completions up to the
// callers that originated them.
type Relay struct {
	up   bus.Endpoint // toward authority
	down bus.Endpoint // toward renderer

	uploadEndpoint string // where the renderer posts captured frames

	uploads     *correlate.Registry[capture.UploadResponse]
	screenshots *correlate.Registry[string]
	tokens      *correlate.Registry[capture.TokenReply]

	unregisterFns []func()
}

// New creates a Relay. ttl bounds how long a pending entry may wait for its
// completion; 0 disables expiry.
func New(up, down bus.Endpoint, uploadEndpoint string, ttl time.Duration) *Relay {
	return &Relay{
		up:             up,
		down:           down,
		uploadEndpoint: uploadEndpoint,
		uploads:        correlate.New[capture.UploadResponse]("uploads", ttl),
		screenshots:    correlate.New[string]("screenshots", ttl),
		tokens:         correlate.New[capture.TokenReply]("tokens", ttl),
	}
}

// Start subscribes the relay's inbound handlers on both boundaries.
func (r *Relay) Start() {
	r.unregisterFns = append(r.unregisterFns,
		r.up.Subscribe(capture.EventUploadToken, r.onUploadToken),
		r.up.Subscribe(capture.EventUploadComplete, r.onUploadComplete),
		r.up.Subscribe(capture.EventCaptureScreen, r.onCaptureScreen),
		r.down.Subscribe(capture.EventScreenshotResult, r.onScreenshotResult),
	)
	slog.Info("relay started", "upload_endpoint", r.uploadEndpoint)
}

// Close unsubscribes all handlers and clears the registries; callers still
// waiting observe their futures closing.
func (r *Relay) Close() {
	for _, fn := range r.unregisterFns {
		fn()
	}
	r.unregisterFns = nil
	r.tokens.Close()
	r.uploads.Close()
	r.screenshots.Close()
	slog.Info("relay stopped")
}

// RequestScreenshot dispatches a local-return capture and returns the future
// that resolves with the image data URL. The registry entry is removed when
// the result arrives, or expires with the registry TTL.
func (r *Relay) RequestScreenshot(req ScreenshotRequest) (<-chan string, error) {
	uid := uuid.New().String()
	fut, ok := r.screenshots.Register(uid)
	if !ok {
		return nil, capture.NewError(capture.CodeBusClosed, "screenshot registry closed", nil)
	}

	inst := capture.Instruction{
		Action:   capture.ActionRequestScreenshot,
		Encoding: req.Encoding,
		Quality:  req.Quality,
		UID:      uid,
	}
	if err := r.down.Send(capture.EventCapture, inst); err != nil {
		r.screenshots.Discard(uid)
		return nil, capture.NewError(capture.CodeBusClosed, "dispatch screenshot instruction", err)
	}
	return fut, nil
}

// RequestUpload starts a capture-and-upload: it registers the correlation,
// asks the authority for a single-use token, and once the token reply
// arrives dispatches the capture instruction to the renderer. The returned
// future resolves when the authority reports the upload complete.
func (r *Relay) RequestUpload(url string, opts *UploadOptions) (string, <-chan capture.UploadResponse, error) {
	if url == "" {
		return "", nil, capture.NewError(capture.CodeValidation, "url is required", nil)
	}
	if opts == nil {
		opts = defaultUploadOptions()
	}

	correlationID := uuid.New().String()
	fut, ok := r.uploads.Register(correlationID)
	if !ok {
		return "", nil, capture.NewError(capture.CodeBusClosed, "upload registry closed", nil)
	}
	tokenFut, ok := r.tokens.Register(correlationID)
	if !ok {
		r.uploads.Discard(correlationID)
		return "", nil, capture.NewError(capture.CodeBusClosed, "token registry closed", nil)
	}

	req := capture.TokenRequest{
		CorrelationID: correlationID,
		URL:           url,
		FormField:     opts.FormField,
		Encoding:      opts.Encoding,
		DataType:      opts.DataType,
	}
	if err := r.up.Send(capture.EventRequestUploadToken, req); err != nil {
		r.tokens.Discard(correlationID)
		r.uploads.Discard(correlationID)
		return "", nil, capture.NewError(capture.CodeBusClosed, "request upload token", err)
	}

	go r.dispatchWhenTokenArrives(correlationID, opts, tokenFut)

	return correlationID, fut, nil
}

// dispatchWhenTokenArrives completes the second leg of an upload request.
// A closed future (expiry or shutdown) or an error reply means no
// instruction is dispatched; the caller's upload future expires on its own.
func (r *Relay) dispatchWhenTokenArrives(correlationID string, opts *UploadOptions, tokenFut <-chan capture.TokenReply) {
	reply, open := <-tokenFut
	if !open {
		slog.Error("relay: no upload token received", "correlation_id", correlationID)
		return
	}
	if reply.Error != "" || reply.Token == "" {
		slog.Error("relay: upload token refused", "correlation_id", correlationID, "error", reply.Error)
		return
	}

	inst := capture.Instruction{
		Action:         capture.ActionCapture,
		Encoding:       opts.Encoding,
		Quality:        opts.Quality,
		UploadToken:    reply.Token,
		ServerEndpoint: r.uploadEndpoint,
		FormField:      opts.FormField,
		DataType:       opts.DataType,
		Headers:        opts.Headers,
	}
	if err := r.down.Send(capture.EventCapture, inst); err != nil {
		slog.Error("relay: dispatch capture instruction failed", "correlation_id", correlationID, "error", err)
	}
}

func (r *Relay) onUploadToken(payload json.RawMessage) {
	var reply capture.TokenReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		slog.Warn("relay: bad token reply payload", "error", err)
		return
	}
	r.tokens.Resolve(reply.CorrelationID, reply)
}

// onUploadComplete resolves the originating caller's pending entry. A
// completion with no matching entry is counted and dropped: duplicates and
// late deliveries are not errors.
func (r *Relay) onUploadComplete(payload json.RawMessage) {
	var msg capture.UploadComplete
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("relay: bad upload completion payload", "error", err)
		return
	}
	r.uploads.Resolve(msg.CorrelationID, msg.Response)
}

// onCaptureScreen forwards a server-initiated capture instruction to the
// renderer. The token was minted by the authority; the relay only attaches
// the upload endpoint.
func (r *Relay) onCaptureScreen(payload json.RawMessage) {
	var msg capture.CaptureScreen
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("relay: bad capture-screen payload", "error", err)
		return
	}

	inst := capture.Instruction{
		Action:         capture.ActionCapture,
		Encoding:       msg.Options.Encoding,
		Quality:        msg.Options.Quality,
		Headers:        msg.Options.Headers,
		UploadToken:    msg.Token,
		ServerEndpoint: r.uploadEndpoint,
		DataType:       msg.DataType,
	}
	if err := r.down.Send(capture.EventCapture, inst); err != nil {
		slog.Error("relay: forward capture-screen failed", "error", err)
	}
}

func (r *Relay) onScreenshotResult(payload json.RawMessage) {
	var res capture.ScreenshotResult
	if err := json.Unmarshal(payload, &res); err != nil {
		slog.Warn("relay: bad screenshot result payload", "error", err)
		return
	}
	r.screenshots.Resolve(res.UID, res.Image)
}

// Stats reports registry occupancy and drop counters for diagnostics.
type Stats struct {
	PendingUploads       int   `json:"pending_uploads"`
	PendingScreenshots   int   `json:"pending_screenshots"`
	PendingTokens        int   `json:"pending_tokens"`
	UnmatchedCompletions int64 `json:"unmatched_completions"`
	UnmatchedScreenshots int64 `json:"unmatched_screenshots"`
	ExpiredEntries       int64 `json:"expired_entries"`
}

// Stats returns a point-in-time snapshot.
func (r *Relay) Stats() Stats {
	return Stats{
		PendingUploads:       r.uploads.Len(),
		PendingScreenshots:   r.screenshots.Len(),
		PendingTokens:        r.tokens.Len(),
		UnmatchedCompletions: r.uploads.Unmatched(),
		UnmatchedScreenshots: r.screenshots.Unmatched(),
		ExpiredEntries:       r.uploads.Expired() + r.screenshots.Expired() + r.tokens.Expired(),
	}
}
