package debugserver

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gamescoped/internal/event"
	"gamescoped/internal/gamescope"
	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
)

func startServer(t *testing.T, logger *logging.Logger, bus *event.Bus[gamescope.LifecycleEvent]) *Server {
	t.Helper()
	registry := &metrics.Registry{}
	registry.IncInstancePublished()

	server, err := New(Options{
		Addr:     "127.0.0.1:0",
		Logger:   logger,
		Registry: registry,
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go server.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server
}

func TestHealthzAndMetrics(t *testing.T) {
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(16), logging.LevelInfo, nil)
	server := startServer(t, logger, nil)

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + server.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "gamescoped_instances_published_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}

func TestEventStreamDeliversLifecycleEvents(t *testing.T) {
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(16), logging.LevelInfo, nil)
	bus := event.NewBus[gamescope.LifecycleEvent](context.Background(), event.BusOptions{Name: "lifecycle"})
	defer bus.Close()
	server := startServer(t, logger, bus)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/api/events/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription attaches when the handler runs; publish until the
	// first event comes back.
	received := make(chan gamescope.LifecycleEvent, 1)
	go func() {
		var ev gamescope.LifecycleEvent
		if err := conn.ReadJSON(&ev); err == nil {
			received <- ev
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(gamescope.LifecycleEvent{
			Kind:      gamescope.EventPublished,
			Family:    gamescope.FamilyXWayland,
			ID:        ":0",
			Timestamp: time.Now(),
		})
		select {
		case ev := <-received:
			if ev.Kind != gamescope.EventPublished || ev.ID != ":0" {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for streamed event")
		}
	}
}

func TestLogStreamDeliversEntries(t *testing.T) {
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(16), logging.LevelInfo, nil)
	server := startServer(t, logger, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/api/logs/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	received := make(chan logging.LogEntry, 1)
	go func() {
		var entry logging.LogEntry
		if err := conn.ReadJSON(&entry); err == nil {
			received <- entry
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		logger.Info("stream probe", map[string]string{"n": "1"})
		select {
		case entry := <-received:
			if entry.Message != "stream probe" {
				t.Fatalf("unexpected entry %+v", entry)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for streamed log entry")
		}
	}
}
