// Package api exposes the capture service over HTTP: an OpenAPI surface for
// operators and a raw upload endpoint for renderers.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/screencapture/internal/capture"
	"github.com/dgnsrekt/screencapture/internal/config"
	"github.com/dgnsrekt/screencapture/internal/relay"
	"github.com/dgnsrekt/screencapture/internal/snapshot"
)

// Broker originates capture requests toward the renderer and waits for the
// correlated completions.
type Broker interface {
	RequestScreenshot(req relay.ScreenshotRequest) (<-chan string, error)
	RequestUpload(url string, opts *relay.UploadOptions) (string, <-chan capture.UploadResponse, error)
	Stats() relay.Stats
}

// TokenAuthority issues upload tokens and accepts the frames they authorize.
type TokenAuthority interface {
	ReceiveUpload(tok string, imageData []byte, formField, remoteAddr string) (snapshot.Meta, error)
	CaptureScreen(opts capture.Options, dataType capture.DataType) (string, error)
	ActiveTokens() int
}

// Deps carries the wired components the HTTP layer serves.
type Deps struct {
	Broker    Broker
	Authority TokenAuthority
	Snapshots *snapshot.Store
	Profiles  *config.ProfilesConfig

	// WaitTimeout bounds synchronous capture requests. Zero means 30s.
	WaitTimeout time.Duration

	// BusListener, when set, is mounted at BusPath so out-of-process
	// renderers can attach over WebSocket.
	BusListener http.Handler
	BusPath     string
}

func NewServer(d Deps) http.Handler {
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = 30 * time.Second
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Screen Capture API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	router.Post("/image", uploadHandler(d.Authority))

	if d.BusListener != nil {
		path := d.BusPath
		if path == "" {
			path = "/bus"
		}
		router.Handle(path, d.BusListener)
	}

	registerCaptureHandlers(api, d)
	registerSnapshotHandlers(api, d.Snapshots)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *capture.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case capture.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case capture.CodeTokenUnknown, capture.CodeTokenConsumed:
			return huma.Error401Unauthorized(coded.Message)
		case capture.CodeTokenActive:
			return huma.Error409Conflict(coded.Message)
		case capture.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case capture.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case capture.CodeSurface, capture.CodeEncode, capture.CodeUpload, capture.CodeBusClosed:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
