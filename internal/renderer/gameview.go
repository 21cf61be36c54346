package renderer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/screencapture/internal/capture"
)

// GameView produces browser-backed surfaces. It connects to a running
// Chromium over CDP; each surface is a fresh session attached to the first
// tab matching the URL filter, detached again when the capture finishes.
// The browser does the encoding, so webp is available here.
type GameView struct {
	cdpURL    string
	urlFilter string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

// NewGameView creates a GameView for the given CDP HTTP endpoint.
func NewGameView(cdpURL, urlFilter string) *GameView {
	return &GameView{cdpURL: cdpURL, urlFilter: urlFilter}
}

// Connect establishes the browser-level connection used for target
// discovery. Per-capture sessions are created lazily by NewSurface.
func (g *GameView) Connect(ctx context.Context) error {
	g.allocCtx, g.allocCancel = chromedp.NewRemoteAllocator(context.Background(), g.cdpURL)
	g.browserCtx, g.browserStop = chromedp.NewContext(g.allocCtx)

	if err := chromedp.Run(g.browserCtx); err != nil {
		g.Close()
		return fmt.Errorf("gameview: connect %s: %w", g.cdpURL, err)
	}
	slog.Info("gameview connected", "cdp_url", g.cdpURL, "url_filter", g.urlFilter)
	return nil
}

// Close tears down the browser connection.
func (g *GameView) Close() {
	if g.browserStop != nil {
		g.browserStop()
	}
	if g.allocCancel != nil {
		g.allocCancel()
	}
}

func (g *GameView) findTarget(ctx context.Context) (target.ID, error) {
	infos, err := chromedp.Targets(g.browserCtx)
	if err != nil {
		return "", fmt.Errorf("gameview: list targets: %w", err)
	}
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if g.urlFilter == "" || strings.Contains(info.URL, g.urlFilter) {
			return info.TargetID, nil
		}
	}
	return "", capture.NewError(capture.CodeSurface, "no page target matches filter "+g.urlFilter, nil)
}

// NewSurface implements SurfaceFactory: one CDP session per capture.
func (g *GameView) NewSurface(ctx context.Context) (Surface, error) {
	if g.browserCtx == nil {
		return nil, capture.NewError(capture.CodeSurface, "gameview not connected", nil)
	}
	id, err := g.findTarget(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(g.browserCtx, chromedp.WithTargetID(id))
	return &gameViewSurface{ctx: tabCtx, cancel: cancel}, nil
}

type gameViewSurface struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *gameViewSurface) Capture(ctx context.Context, enc capture.Encoding, quality float64) ([]byte, error) {
	var format page.CaptureScreenshotFormat
	switch enc {
	case capture.EncodingJPG:
		format = page.CaptureScreenshotFormatJpeg
	case capture.EncodingWEBP:
		format = page.CaptureScreenshotFormatWebp
	default:
		format = page.CaptureScreenshotFormatPng
	}

	runCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(30*time.Second)) {
		cancel()
		runCtx, cancel = context.WithDeadline(s.ctx, deadline)
		defer cancel()
	}

	var data []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().
			WithFormat(format).
			WithFromSurface(true)
		if format != page.CaptureScreenshotFormatPng {
			q := int64(quality * 100)
			if q < 1 {
				q = 1
			}
			if q > 100 {
				q = 100
			}
			params = params.WithQuality(q)
		}
		var err error
		data, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, capture.NewError(capture.CodeSurface, "capture screenshot", err)
	}
	return data, nil
}

func (s *gameViewSurface) Close() { s.cancel() }
