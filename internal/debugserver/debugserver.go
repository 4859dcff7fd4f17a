// Package debugserver serves the daemon's local observability surface:
// health, Prometheus counters, and websocket streams of log entries and
// instance lifecycle events.
package debugserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"gamescoped/internal/event"
	"gamescoped/internal/gamescope"
	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

type Options struct {
	Addr     string
	Logger   *logging.Logger
	Registry *metrics.Registry
	Bus      *event.Bus[gamescope.LifecycleEvent]
}

type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *logging.Logger
	registry *metrics.Registry
	bus      *event.Bus[gamescope.LifecycleEvent]
	logs     *logging.Logger
}

// New binds the listener immediately so a bad address surfaces at
// startup, not on first request.
func New(options Options) (*Server, error) {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	listener, err := net.Listen("tcp", options.Addr)
	if err != nil {
		return nil, err
	}

	server := &Server{
		listener: listener,
		logger:   logger.With(map[string]string{"component": "debug"}),
		registry: registry,
		bus:      options.Bus,
		logs:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealthz)
	mux.HandleFunc("/metrics", server.handleMetrics)
	mux.HandleFunc("/api/logs/ws", server.handleLogStream)
	mux.HandleFunc("/api/events/ws", server.handleEventStream)

	server.server = &http.Server{Handler: mux}
	return server, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("debug server listening", map[string]string{
		"addr": s.Addr(),
	})
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.registry.WritePrometheus(w); err != nil {
		s.logger.Debug("write metrics", map[string]string{
			"error": err.Error(),
		})
	}
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	output, cancel := s.logs.Subscribe()
	defer cancel()
	s.streamJSON(w, r, func(conn *websocket.Conn) error {
		for {
			select {
			case entry, ok := <-output:
				if !ok {
					return nil
				}
				if err := writeJSON(conn, entry); err != nil {
					return err
				}
			case <-r.Context().Done():
				return nil
			}
		}
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusInternalServerError)
		return
	}
	output, cancel := s.bus.Subscribe()
	defer cancel()
	s.streamJSON(w, r, func(conn *websocket.Conn) error {
		for {
			select {
			case ev, ok := <-output:
				if !ok {
					return nil
				}
				if err := writeJSON(conn, ev); err != nil {
					return err
				}
			case <-r.Context().Done():
				return nil
			}
		}
	})
}

func (s *Server) streamJSON(w http.ResponseWriter, r *http.Request, run func(conn *websocket.Conn) error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		// The server binds loopback only; cross-origin pages may still
		// hold a local connection, so same-origin is not enforced.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", map[string]string{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are observed.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := run(conn); err != nil {
		s.logger.Debug("websocket stream ended", map[string]string{
			"error": err.Error(),
		})
	}
}

func writeJSON(conn *websocket.Conn, value interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(value)
}
