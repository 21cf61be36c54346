// Package authority is the server-side component: it mints correlation IDs
// and single-use upload tokens, receives uploads, persists them, and pushes
// completion notifications back toward the relay.
package authority

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	// Platform codecs for dimension sniffing of received uploads.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/google/uuid"

	"github.com/dgnsrekt/screencapture/internal/audit"
	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/capture"
	"github.com/dgnsrekt/screencapture/internal/snapshot"
	"github.com/dgnsrekt/screencapture/internal/token"
)

// Authority issues tokens, accepts uploads and notifies completions.
type Authority struct {
	endpoint bus.Endpoint // toward relay
	vault    *token.Vault
	snaps    *snapshot.Store
	trail    *audit.Writer

	unregister func()
}

// New creates an Authority. The audit writer may be nil to disable the
// trail.
func New(endpoint bus.Endpoint, vault *token.Vault, snaps *snapshot.Store, trail *audit.Writer) *Authority {
	return &Authority{endpoint: endpoint, vault: vault, snaps: snaps, trail: trail}
}

// Start subscribes the token-request handler.
func (a *Authority) Start() {
	a.unregister = a.endpoint.Subscribe(capture.EventRequestUploadToken, a.onTokenRequest)
	slog.Info("authority started")
}

// Close unsubscribes and drops vault state.
func (a *Authority) Close() {
	if a.unregister != nil {
		a.unregister()
		a.unregister = nil
	}
	a.vault.Close()
	slog.Info("authority stopped")
}

// onTokenRequest answers a relay's token exchange. Refusals travel back as
// an error string in the correlated reply; the relay decides what to do
// with them.
func (a *Authority) onTokenRequest(payload json.RawMessage) {
	var req capture.TokenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		slog.Warn("authority: bad token request payload", "error", err)
		return
	}

	reply := capture.TokenReply{CorrelationID: req.CorrelationID}
	tok, err := a.vault.Issue(token.Meta{
		CorrelationID: req.CorrelationID,
		URL:           req.URL,
		FormField:     req.FormField,
		Encoding:      req.Encoding,
		DataType:      req.DataType,
	})
	if err != nil {
		slog.Warn("authority: token refused", "correlation_id", req.CorrelationID, "error", err)
		reply.Error = err.Error()
		a.record(audit.Record{Event: "token_rejected", CorrelationID: req.CorrelationID, Code: errCode(err)})
	} else {
		reply.Token = tok
		a.record(audit.Record{Event: "token_issued", CorrelationID: req.CorrelationID})
	}

	if err := a.endpoint.Send(capture.EventUploadToken, reply); err != nil {
		slog.Error("authority: send token reply failed", "correlation_id", req.CorrelationID, "error", err)
	}
}

// CaptureScreen starts a server-initiated capture: it mints the correlation
// and token itself and instructs the relay to forward a capture. The
// resulting upload arrives at ReceiveUpload like any other.
func (a *Authority) CaptureScreen(opts capture.Options, dataType capture.DataType) (string, error) {
	correlationID := uuid.New().String()
	tok, err := a.vault.Issue(token.Meta{
		CorrelationID: correlationID,
		Encoding:      opts.Encoding,
		DataType:      dataType,
	})
	if err != nil {
		return "", err
	}
	a.record(audit.Record{Event: "token_issued", CorrelationID: correlationID})

	msg := capture.CaptureScreen{Token: tok, Options: opts, DataType: dataType}
	if err := a.endpoint.Send(capture.EventCaptureScreen, msg); err != nil {
		return "", capture.NewError(capture.CodeBusClosed, "send capture instruction", err)
	}
	return correlationID, nil
}

// ReceiveUpload validates and consumes the presented token, persists the
// image, and emits the completion toward the relay. Unknown or consumed
// tokens are hard rejections with nothing persisted.
func (a *Authority) ReceiveUpload(tok string, imageData []byte, formField, remoteAddr string) (snapshot.Meta, error) {
	if tok == "" {
		return snapshot.Meta{}, capture.NewError(capture.CodeValidation, "missing upload token", nil)
	}
	if len(imageData) == 0 {
		return snapshot.Meta{}, capture.NewError(capture.CodeValidation, "empty upload body", nil)
	}

	tokenMeta, err := a.vault.Consume(tok)
	if err != nil {
		a.record(audit.Record{Event: "upload_rejected", Code: errCode(err), RemoteAddr: remoteAddr})
		return snapshot.Meta{}, err
	}

	format, width, height := sniffImage(imageData, tokenMeta.Encoding)
	if formField == "" {
		formField = tokenMeta.FormField
	}

	meta := snapshot.Meta{
		ID:            uuid.New().String(),
		CorrelationID: tokenMeta.CorrelationID,
		Format:        format,
		Width:         width,
		Height:        height,
		SizeBytes:     len(imageData),
		SHA256:        contentDigest(imageData),
		FormField:     formField,
		RemoteAddr:    remoteAddr,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.snaps.Save(meta, imageData); err != nil {
		return snapshot.Meta{}, capture.NewError(capture.CodeUpload, "persist upload", err)
	}
	a.record(audit.Record{
		Event:         "upload_accepted",
		CorrelationID: tokenMeta.CorrelationID,
		SnapshotID:    meta.ID,
		SizeBytes:     meta.SizeBytes,
		RemoteAddr:    remoteAddr,
	})

	// Fire-and-forget: delivery of the completion is not guaranteed and a
	// lost notification leaves the caller's pending entry to its TTL.
	done := capture.UploadComplete{
		CorrelationID: tokenMeta.CorrelationID,
		Response: capture.UploadResponse{
			SnapshotID: meta.ID,
			Format:     meta.Format,
			Width:      meta.Width,
			Height:     meta.Height,
			SizeBytes:  meta.SizeBytes,
		},
	}
	if err := a.endpoint.Send(capture.EventUploadComplete, done); err != nil {
		slog.Warn("authority: completion notification failed", "correlation_id", tokenMeta.CorrelationID, "error", err)
	}

	slog.Info("upload accepted",
		"correlation_id", tokenMeta.CorrelationID,
		"snapshot_id", meta.ID,
		"format", meta.Format,
		"bytes", meta.SizeBytes,
	)
	return meta, nil
}

// ActiveTokens reports unconsumed tokens for diagnostics.
func (a *Authority) ActiveTokens() int { return a.vault.ActiveCount() }

func (a *Authority) record(rec audit.Record) {
	if a.trail == nil {
		return
	}
	if err := a.trail.Write(rec); err != nil {
		slog.Debug("authority: audit write failed", "event", rec.Event, "error", err)
	}
}

func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func errCode(err error) string {
	var coded *capture.CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// sniffImage decodes the image header to recover format and dimensions,
// falling back to the encoding the token was requested with.
func sniffImage(data []byte, requested capture.Encoding) (string, int, int) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		slog.Debug("authority: image sniff failed", "error", err)
		if requested == "" {
			return "bin", 0, 0
		}
		return string(requested), 0, 0
	}
	if format == "jpeg" {
		format = "jpg"
	}
	return format, cfg.Width, cfg.Height
}

// DecodeDataURL extracts the raw bytes from a base64 data URL, for uploads
// arriving in the JSON envelope shape.
func DecodeDataURL(dataURL string) ([]byte, error) {
	idx := strings.Index(dataURL, ";base64,")
	if !strings.HasPrefix(dataURL, "data:") || idx < 0 {
		return nil, fmt.Errorf("authority: not a base64 data url")
	}
	decoded, err := base64.StdEncoding.DecodeString(dataURL[idx+len(";base64,"):])
	if err != nil {
		return nil, fmt.Errorf("authority: decode data url: %w", err)
	}
	return decoded, nil
}
