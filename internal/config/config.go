package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBusName           = "org.shadowblip.Gamescope"
	DefaultX11SocketDir      = "/tmp/.X11-unix"
	DefaultXWaylandSettle    = 500 * time.Millisecond
	DefaultWaylandSettle     = 100 * time.Millisecond
	DefaultScreenshotTimeout = 500 * time.Millisecond
)

type Config struct {
	BusName           string        `yaml:"bus-name"`
	RuntimeDir        string        `yaml:"runtime-dir"`
	X11SocketDir      string        `yaml:"x11-socket-dir"`
	XWaylandSettle    time.Duration `yaml:"xwayland-settle"`
	WaylandSettle     time.Duration `yaml:"wayland-settle"`
	ScreenshotTimeout time.Duration `yaml:"screenshot-timeout"`
	DebugAddr         string        `yaml:"debug-addr"`
	LogLevel          string        `yaml:"log-level"`
}

// Load reads the optional YAML config file, then applies GAMESCOPED_*
// environment overrides, then fills defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Config{}

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if value := os.Getenv("GAMESCOPED_BUS_NAME"); value != "" {
		cfg.BusName = value
	}
	if value := os.Getenv("GAMESCOPED_RUNTIME_DIR"); value != "" {
		cfg.RuntimeDir = value
	}
	if value := os.Getenv("GAMESCOPED_X11_SOCKET_DIR"); value != "" {
		cfg.X11SocketDir = value
	}
	if value := os.Getenv("GAMESCOPED_DEBUG_ADDR"); value != "" {
		cfg.DebugAddr = value
	}
	if value := os.Getenv("GAMESCOPED_LOG_LEVEL"); value != "" {
		cfg.LogLevel = value
	}
	if duration, ok := envDuration("GAMESCOPED_XWAYLAND_SETTLE_MS"); ok {
		cfg.XWaylandSettle = duration
	}
	if duration, ok := envDuration("GAMESCOPED_WAYLAND_SETTLE_MS"); ok {
		cfg.WaylandSettle = duration
	}
	if duration, ok := envDuration("GAMESCOPED_SCREENSHOT_TIMEOUT_MS"); ok {
		cfg.ScreenshotTimeout = duration
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BusName == "" {
		cfg.BusName = DefaultBusName
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = RunUserDir()
	}
	if cfg.X11SocketDir == "" {
		cfg.X11SocketDir = DefaultX11SocketDir
	}
	if cfg.XWaylandSettle <= 0 {
		cfg.XWaylandSettle = DefaultXWaylandSettle
	}
	if cfg.WaylandSettle <= 0 {
		cfg.WaylandSettle = DefaultWaylandSettle
	}
	if cfg.ScreenshotTimeout <= 0 {
		cfg.ScreenshotTimeout = DefaultScreenshotTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// RunUserDir resolves the per-user runtime directory where compositor
// sockets are created.
func RunUserDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return fmt.Sprintf("/run/user/%d", os.Getuid())
}

func envDuration(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	millis, err := strconv.Atoi(raw)
	if err != nil || millis <= 0 {
		return 0, false
	}
	return time.Duration(millis) * time.Millisecond, true
}
