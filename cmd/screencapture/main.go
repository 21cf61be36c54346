package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/screencapture/internal/api"
	"github.com/dgnsrekt/screencapture/internal/audit"
	"github.com/dgnsrekt/screencapture/internal/authority"
	"github.com/dgnsrekt/screencapture/internal/bus"
	"github.com/dgnsrekt/screencapture/internal/capture"
	"github.com/dgnsrekt/screencapture/internal/config"
	"github.com/dgnsrekt/screencapture/internal/netutil"
	"github.com/dgnsrekt/screencapture/internal/relay"
	"github.com/dgnsrekt/screencapture/internal/renderer"
	"github.com/dgnsrekt/screencapture/internal/snapshot"
	"github.com/dgnsrekt/screencapture/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("config loaded",
		"bind_addr", cfg.BindAddr,
		"surface", cfg.SurfaceKind,
		"renderer_ws", cfg.RendererWS,
		"pending_ttl", cfg.PendingTTL,
		"token_ttl", cfg.TokenTTL,
		"snapshot_dir", cfg.SnapshotDir,
		"log_level", cfg.LogLevel,
	)

	var profiles *config.ProfilesConfig
	if cfg.ProfilesPath != "" {
		profiles, err = config.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			slog.Error("failed to load capture profiles", "path", cfg.ProfilesPath, "error", err)
			os.Exit(1)
		}
		slog.Info("capture profiles loaded", "count", len(profiles.Profiles))
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	store, err := snapshot.NewStore(cfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to open snapshot store", "dir", cfg.SnapshotDir, "error", err)
		os.Exit(1)
	}

	trail := audit.NewWriter(cfg.AuditDir, cfg.AuditBufferSize, cfg.AuditMaxFileSizeMB)
	defer func() { _ = trail.Close() }()

	vault := token.NewVault(cfg.TokenTTL)
	defer vault.Close()

	authorityEnd, relayUp := bus.NewLocalPair()
	relayDown, rendererEnd := bus.NewLocalPair()

	auth := authority.New(authorityEnd, vault, store, trail)
	auth.Start()
	defer auth.Close()

	rel := relay.New(relayUp, relayDown, cfg.UploadEndpoint(bindAddr), cfg.PendingTTL)
	rel.Start()
	defer rel.Close()

	deps := api.Deps{
		Broker:    rel,
		Authority: auth,
		Snapshots: store,
		Profiles:  profiles,
	}

	if cfg.RendererWS {
		deps.BusListener = bus.NewListener(func(ep bus.Endpoint) {
			slog.Info("renderer attached over websocket")
			bridgeRenderer(rendererEnd, ep)
		})
		deps.BusPath = cfg.RendererWSPath
	} else {
		factory, cleanup, err := newSurfaceFactory(cfg)
		if err != nil {
			slog.Error("failed to set up capture surface", "surface", cfg.SurfaceKind, "error", err)
			os.Exit(1)
		}
		defer cleanup()

		rend := renderer.New(rendererEnd, factory)
		rend.Start()
		defer rend.Stop()
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(deps)}

	go func() {
		slog.Info("screencapture listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
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

// bridgeRenderer splices a WebSocket-attached renderer onto the relay's
// local renderer boundary: instructions flow out, results flow back.
func bridgeRenderer(local, remote bus.Endpoint) {
	unsubOut := local.Subscribe(capture.EventCapture, func(payload json.RawMessage) {
		if err := remote.Send(capture.EventCapture, payload); err != nil {
			slog.Warn("forward instruction to remote renderer failed", "error", err)
		}
	})
	unsubIn := remote.Subscribe(capture.EventScreenshotResult, func(payload json.RawMessage) {
		if err := local.Send(capture.EventScreenshotResult, payload); err != nil {
			slog.Warn("forward screenshot result from remote renderer failed", "error", err)
		}
	})

	if hooked, ok := remote.(interface{ OnClose(func()) }); ok {
		hooked.OnClose(func() {
			unsubOut()
			unsubIn()
		})
	}
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
