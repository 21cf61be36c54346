package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/screencapture/internal/browser"
	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/config"
	"github.com/dgnsrekt/screencapture/internal/renderer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, "logs/renderer.log"); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	busURL := cfg.RendererBusURL()
	slog.Info("renderer config loaded",
		"bus_url", busURL,
		"surface", cfg.SurfaceKind,
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
	)

	if cfg.LaunchBrowser && cfg.SurfaceKind == "cdp" {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.BrowserStartURL,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	factory, cleanup, err := newSurfaceFactory(cfg)
	if err != nil {
		slog.Error("failed to set up capture surface", "surface", cfg.SurfaceKind, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	endpoint, err := bus.Dial(dialCtx, busURL)
	cancel()
	if err != nil {
		slog.Error("failed to dial bus", "url", busURL, "error", err)
		os.Exit(1)
	}
	defer func() { _ = endpoint.Close() }()

	rend := renderer.New(endpoint, factory)
	rend.Start()
	defer rend.Stop()

	slog.Info("renderer attached", "bus_url", busURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("renderer shutting down")
}

func newSurfaceFactory(cfg *config.Config) (renderer.SurfaceFactory, func(), error) {
	if cfg.SurfaceKind == "static" {
		return &renderer.StaticFactory{Width: cfg.StaticWidth, Height: cfg.StaticHeight}, func() {}, nil
	}
	view := renderer.NewGameView(cfg.CDPURL(), cfg.SurfaceURLFilter)
	if err := view.Connect(context.Background()); err != nil {
		return nil, nil, err
	}
	return view, view.Close, nil
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
