package x11

import (
	"sync"

	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
)

// Reconnecting tracks connection health for one client. Accessor call
// sites check Ensure before touching the client; an unhealthy connection
// kicks off a single detached reconnect attempt and the call fails fast
// with ErrNotConnected instead of blocking the shared command loop.
type Reconnecting struct {
	client   Client
	logger   *logging.Logger
	registry *metrics.Registry

	mu           sync.Mutex
	reconnecting bool
}

func NewReconnecting(client Client, logger *logging.Logger, registry *metrics.Registry) *Reconnecting {
	if registry == nil {
		registry = metrics.Default
	}
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	return &Reconnecting{
		client:   client,
		logger:   logger.With(map[string]string{"component": "x11", "display": client.DisplayName()}),
		registry: registry,
	}
}

func (r *Reconnecting) Client() Client {
	if r == nil {
		return nil
	}
	return r.client
}

// Ensure returns nil when the connection is healthy. Otherwise it starts
// at most one background reconnect and returns ErrNotConnected
// immediately.
func (r *Reconnecting) Ensure() error {
	if r == nil {
		return ErrNotConnected
	}
	if r.client.Connected() {
		return nil
	}
	r.kick()
	return ErrNotConnected
}

func (r *Reconnecting) kick() {
	r.mu.Lock()
	if r.reconnecting {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.reconnecting = false
			r.mu.Unlock()
		}()

		r.registry.IncReconnectAttempt()
		if err := r.client.Connect(); err != nil {
			r.logger.Warn("reconnect failed", map[string]string{
				"error": err.Error(),
			})
			return
		}
		r.logger.Info("reconnected", nil)
	}()
}
