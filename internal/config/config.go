// Package config loads process configuration from the environment, with an
// optional .env file and a YAML capture-profile file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the screencapture service.
type Config struct {
	// HTTP server
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Renderer surface
	SurfaceKind      string // "cdp" | "static"
	CDPAddress       string
	CDPPort          int
	SurfaceURLFilter string
	StaticWidth      int
	StaticHeight     int

	// Out-of-process renderer bus
	RendererWS     bool
	RendererWSPath string
	BusURL         string

	// Browser process management for the renderer
	LaunchBrowser     bool
	BrowserStartURL   string
	BrowserProfileDir string
	BrowserHeadless   bool

	// Correlation and token lifetimes; 0 disables expiry.
	PendingTTL time.Duration
	TokenTTL   time.Duration

	// Storage
	SnapshotDir        string
	AuditDir           string
	AuditBufferSize    int
	AuditMaxFileSizeMB int

	// Capture profiles (optional)
	ProfilesPath string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and an optional .env
// file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BindAddr:           getEnvOrDefault("SCREENCAPTURE_BIND_ADDR", "127.0.0.1:8780"),
		PortCandidates:     splitList(getEnvOrDefault("SCREENCAPTURE_PORT_CANDIDATES", "")),
		PortAutoFallback:   getEnvBoolOrDefault("SCREENCAPTURE_PORT_AUTO_FALLBACK", true),
		SurfaceKind:        getEnvOrDefault("SCREENCAPTURE_SURFACE", "cdp"),
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		SurfaceURLFilter:   getEnvOrDefault("SCREENCAPTURE_SURFACE_URL_FILTER", ""),
		StaticWidth:        getEnvIntOrDefault("SCREENCAPTURE_STATIC_WIDTH", 1280),
		StaticHeight:       getEnvIntOrDefault("SCREENCAPTURE_STATIC_HEIGHT", 720),
		RendererWS:         getEnvBoolOrDefault("SCREENCAPTURE_RENDERER_WS", false),
		RendererWSPath:     getEnvOrDefault("SCREENCAPTURE_RENDERER_WS_PATH", "/bus"),
		BusURL:             getEnvOrDefault("SCREENCAPTURE_BUS_URL", ""),
		LaunchBrowser:      getEnvBoolOrDefault("SCREENCAPTURE_LAUNCH_BROWSER", false),
		BrowserStartURL:    getEnvOrDefault("SCREENCAPTURE_BROWSER_START_URL", "about:blank"),
		BrowserProfileDir:  getEnvOrDefault("SCREENCAPTURE_BROWSER_PROFILE_DIR", "./browser-profile"),
		BrowserHeadless:    getEnvBoolOrDefault("SCREENCAPTURE_BROWSER_HEADLESS", true),
		PendingTTL:         time.Duration(getEnvIntOrDefault("SCREENCAPTURE_PENDING_TTL_MS", 30000)) * time.Millisecond,
		TokenTTL:           time.Duration(getEnvIntOrDefault("SCREENCAPTURE_TOKEN_TTL_MS", 120000)) * time.Millisecond,
		SnapshotDir:        getEnvOrDefault("SCREENCAPTURE_SNAPSHOT_DIR", "./snapshots"),
		AuditDir:           getEnvOrDefault("SCREENCAPTURE_AUDIT_DIR", "./audit"),
		AuditBufferSize:    getEnvIntOrDefault("SCREENCAPTURE_AUDIT_BUFFER_SIZE", 1024),
		AuditMaxFileSizeMB: getEnvIntOrDefault("SCREENCAPTURE_AUDIT_MAX_FILE_SIZE_MB", 50),
		ProfilesPath:       getEnvOrDefault("SCREENCAPTURE_PROFILES", ""),
		LogLevel:           getEnvOrDefault("SCREENCAPTURE_LOG_LEVEL", "info"),
		LogFile:            getEnvOrDefault("SCREENCAPTURE_LOG_FILE", "logs/screencapture.log"),
	}

	switch cfg.SurfaceKind {
	case "cdp", "static":
	default:
		return nil, fmt.Errorf("config: SCREENCAPTURE_SURFACE must be \"cdp\" or \"static\", got %q", cfg.SurfaceKind)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote
// allocator.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// UploadEndpoint returns the URL renderers post captured frames to, given
// the address the server actually bound.
func (c *Config) UploadEndpoint(bindAddr string) string {
	return fmt.Sprintf("http://%s/image", bindAddr)
}

// RendererBusURL returns the WebSocket URL an out-of-process renderer
// dials. An explicit SCREENCAPTURE_BUS_URL wins over the derived address.
func (c *Config) RendererBusURL() string {
	if c.BusURL != "" {
		return c.BusURL
	}
	return "ws://" + c.BindAddr + c.RendererWSPath
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
