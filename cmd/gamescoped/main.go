// gamescoped discovers gamescope display instances as their sockets
// appear and disappear, and publishes each one as a session bus object.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gamescoped/internal/config"
	"gamescoped/internal/dbusobj"
	"gamescoped/internal/debugserver"
	"gamescoped/internal/event"
	"gamescoped/internal/gamescope"
	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
	"gamescoped/internal/watcher"
	"gamescoped/internal/wayland"
	"gamescoped/internal/x11"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gamescoped: %v\n", err)
		os.Exit(1)
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, os.Stderr)
	logger.Info("starting gamescoped", map[string]string{
		"version": version,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := metrics.Default
	bus := event.NewBus[gamescope.LifecycleEvent](ctx, event.BusOptions{Name: "lifecycle"})
	defer bus.Close()

	// The daemon is useless without its bus presence; this is fatal.
	publisher, err := dbusobj.Connect(dbusobj.Options{
		BusName:  cfg.BusName,
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	manager := gamescope.NewManager(gamescope.ManagerOptions{
		Discoverer:    x11.SocketDiscoverer{Dir: cfg.X11SocketDir},
		ClientFactory: func(display string) x11.Client { return x11.NewSocketClient(display, logger) },
		BridgeFactory: func(socketPath string) (wayland.Screenshotter, error) {
			client, err := wayland.DialWire(socketPath)
			if err != nil {
				return nil, err
			}
			return wayland.NewBridge(client, wayland.Options{
				Logger:   logger,
				Registry: registry,
				Timeout:  cfg.ScreenshotTimeout,
			})
		},
		Publisher:      publisher,
		Bus:            bus,
		Logger:         logger,
		Registry:       registry,
		XWaylandSettle: cfg.XWaylandSettle,
		WaylandSettle:  cfg.WaylandSettle,
	})

	// Install the watches before the manager's initial reconciliation so
	// instances appearing in between are not missed.
	if err := watchInto(ctx, cfg.X11SocketDir, gamescope.ClassifyDisplayEvent, manager, logger, registry); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.X11SocketDir, err)
	}
	if err := watchInto(ctx, cfg.RuntimeDir, gamescope.ClassifyRuntimeEvent, manager, logger, registry); err != nil {
		// No runtime dir means no compositor sockets will ever appear.
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("wayland is not supported", map[string]string{
				"dir": cfg.RuntimeDir,
			})
		} else {
			return fmt.Errorf("watch %s: %w", cfg.RuntimeDir, err)
		}
	}

	go manager.Run(ctx)

	if cfg.DebugAddr != "" {
		debug, err := debugserver.New(debugserver.Options{
			Addr:     cfg.DebugAddr,
			Logger:   logger,
			Registry: registry,
			Bus:      bus,
		})
		if err != nil {
			return fmt.Errorf("debug server: %w", err)
		}
		go debug.Serve()
		defer debug.Shutdown(context.Background())
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("terminating", map[string]string{"signal": sig.String()})
	cancel()
	return nil
}

// watchInto wires one watched directory into the manager: watcher
// events are classified and submitted as commands; unclassifiable
// entries are dropped silently.
func watchInto(
	ctx context.Context,
	dir string,
	classify func(watcher.Event) (gamescope.Command, bool),
	manager *gamescope.Manager,
	logger *logging.Logger,
	registry *metrics.Registry,
) error {
	sink := make(chan watcher.Event, 64)
	dirWatcher, err := watcher.WatchDir(dir, sink, watcher.Options{
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		return err
	}

	go func() {
		defer dirWatcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sink:
				if !ok {
					return
				}
				cmd, matched := classify(ev)
				if !matched {
					continue
				}
				if err := manager.Submit(ctx, cmd); err != nil {
					return
				}
			}
		}
	}()
	return nil
}
