package gamescope

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"gamescoped/internal/event"
	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
	"gamescoped/internal/wayland"
	"gamescoped/internal/x11"
)

const (
	defaultCommandBuffer  = 64
	defaultXWaylandSettle = 500 * time.Millisecond
	defaultWaylandSettle  = 100 * time.Millisecond
)

// ErrSaturated: the command channel is full and the submission was
// non-blocking.
var ErrSaturated = errors.New("command channel saturated")

// BridgeFactory connects to one compositor socket and returns its
// screenshot façade.
type BridgeFactory func(socketPath string) (wayland.Screenshotter, error)

type ManagerOptions struct {
	Discoverer    x11.Discoverer
	ClientFactory x11.Factory
	BridgeFactory BridgeFactory
	Publisher     Publisher
	Bus           *event.Bus[LifecycleEvent]
	Logger        *logging.Logger
	Registry      *metrics.Registry

	// Settle delays applied before acting on a filesystem event, so a
	// socket that just appeared has a server behind it. Zero selects
	// the default; a negative value disables the settle.
	XWaylandSettle time.Duration
	WaylandSettle  time.Duration
	CommandBuffer  int
}

type xwaylandEntry struct {
	path   string
	health *x11.Reconnecting
	stop   func()
}

type waylandEntry struct {
	path    string
	shooter wayland.Screenshotter
}

// Manager owns the instance registry. Run is the only writer of the two
// maps; everything reaches it through Submit.
type Manager struct {
	commands chan Command

	discoverer    x11.Discoverer
	clientFactory x11.Factory
	bridgeFactory BridgeFactory
	publisher     Publisher
	bus           *event.Bus[LifecycleEvent]
	logger        *logging.Logger
	registry      *metrics.Registry

	xwaylandSettle time.Duration
	waylandSettle  time.Duration

	xwaylands map[string]*xwaylandEntry
	waylands  map[string]*waylandEntry
}

func NewManager(options ManagerOptions) *Manager {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	buffer := options.CommandBuffer
	if buffer <= 0 {
		buffer = defaultCommandBuffer
	}
	xwaylandSettle := settleDelay(options.XWaylandSettle, defaultXWaylandSettle)
	waylandSettle := settleDelay(options.WaylandSettle, defaultWaylandSettle)

	return &Manager{
		commands:       make(chan Command, buffer),
		discoverer:     options.Discoverer,
		clientFactory:  options.ClientFactory,
		bridgeFactory:  options.BridgeFactory,
		publisher:      options.Publisher,
		bus:            options.Bus,
		logger:         logger.With(map[string]string{"component": "manager"}),
		registry:       registry,
		xwaylandSettle: xwaylandSettle,
		waylandSettle:  waylandSettle,
		xwaylands:      make(map[string]*xwaylandEntry),
		waylands:       make(map[string]*waylandEntry),
	}
}

// Submit enqueues one command. It blocks while the channel is full so
// watcher pumps apply backpressure instead of dropping events.
func (m *Manager) Submit(ctx context.Context, cmd Command) error {
	select {
	case m.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues without blocking.
func (m *Manager) TrySubmit(cmd Command) error {
	select {
	case m.commands <- cmd:
		return nil
	default:
		return ErrSaturated
	}
}

// Run consumes commands until the context is cancelled. An initial
// reconciliation picks up instances that existed before the watches were
// installed. A failing pass never stops the loop.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("manager started", nil)
	m.reconcile()

	for {
		select {
		case <-ctx.Done():
			m.teardownAll()
			m.logger.Info("manager stopped", nil)
			return
		case cmd := <-m.commands:
			m.registry.IncCommandProcessed()
			m.dispatch(ctx, cmd)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, cmd Command) {
	switch typed := cmd.(type) {
	case XWaylandAdded, XWaylandRemoved:
		m.handleDisplayChange(ctx)
	case WaylandAdded:
		m.settle(ctx, m.waylandSettle)
		m.addWayland(typed.Path, typed.Number)
	case WaylandRemoved:
		m.settle(ctx, m.waylandSettle)
		m.removeWayland(typed.Path)
	}
}

// handleDisplayChange settles, then absorbs every queued display-family
// command into a single reconciliation pass. Commands for the other
// family observed while draining are held and processed afterwards in
// arrival order.
func (m *Manager) handleDisplayChange(ctx context.Context) {
	m.settle(ctx, m.xwaylandSettle)

	var held []Command
drain:
	for {
		select {
		case cmd := <-m.commands:
			m.registry.IncCommandProcessed()
			switch cmd.(type) {
			case XWaylandAdded, XWaylandRemoved:
				// Absorbed into this pass.
			default:
				held = append(held, cmd)
			}
		default:
			break drain
		}
	}

	m.reconcile()
	for _, cmd := range held {
		m.dispatch(ctx, cmd)
	}
}

// reconcile diffs the registry against the authoritative display list.
// Entries missing from the fresh list are torn down; new displays are
// connected and published. A publish or unpublish transport failure
// aborts the rest of the pass; the next event retries the remainder.
func (m *Manager) reconcile() {
	m.registry.IncReconcilePass()

	fresh, err := m.discoverer.Discover()
	if err != nil {
		m.logger.Warn("display discovery failed", map[string]string{
			"error": err.Error(),
		})
		return
	}

	observed := make(map[string]bool, len(fresh))
	for _, display := range fresh {
		observed[display] = true
	}

	for display := range m.xwaylands {
		if _, ok := observed[display]; ok {
			continue
		}
		if err := m.removeXWayland(display); err != nil {
			m.logger.Error("reconcile pass aborted", map[string]string{
				"display": display,
				"error":   err.Error(),
			})
			return
		}
	}

	for _, display := range fresh {
		if _, ok := m.xwaylands[display]; ok {
			continue
		}
		if err := m.addXWayland(display); err != nil {
			m.logger.Error("reconcile pass aborted", map[string]string{
				"display": display,
				"error":   err.Error(),
			})
			return
		}
	}

	m.publishEvent(LifecycleEvent{Kind: EventReconcile, Timestamp: time.Now()})
}

// addXWayland connects to one display and publishes its object at the
// path keyed by the display number, which is unique per live display.
// Enumeration order must not leak into the path: a lower-numbered
// display appearing after a higher one would otherwise collide with
// the survivor's path. A connect failure only skips this display for
// the pass; a publish failure is returned and aborts the pass.
func (m *Manager) addXWayland(display string) error {
	number, ok := x11.ParseDisplayName(display)
	if !ok {
		m.logger.Warn("malformed display name, skipping", map[string]string{
			"display": display,
		})
		return nil
	}

	client := m.clientFactory(display)
	if err := client.Connect(); err != nil {
		m.logger.Warn("connect failed, skipping display this pass", map[string]string{
			"display": display,
			"error":   err.Error(),
		})
		return nil
	}

	primary, err := client.IsPrimary()
	if err != nil {
		m.logger.Debug("primary probe failed, assuming secondary", map[string]string{
			"display": display,
			"error":   err.Error(),
		})
		primary = false
	}

	health := x11.NewReconnecting(client, m.logger, m.registry)
	path, err := m.publisher.PublishXWayland(number, health, primary)
	if err != nil {
		client.Close()
		return err
	}

	stop := m.startForwarder(path, client)
	m.xwaylands[display] = &xwaylandEntry{path: path, health: health, stop: stop}
	m.registry.IncInstancePublished()
	m.logger.Info("xwayland published", map[string]string{
		"display": display,
		"path":    path,
		"primary": strconv.FormatBool(primary),
	})
	m.publishEvent(LifecycleEvent{
		Kind: EventPublished, Family: FamilyXWayland,
		ID: display, Path: path, Timestamp: time.Now(),
	})
	return nil
}

// startForwarder drains the client's property-change channel into signal
// emissions. The returned stop function is tracked per instance so
// teardown is deterministic.
func (m *Manager) startForwarder(path string, client x11.Client) func() {
	done := make(chan struct{})
	changes := client.Changes()
	go func() {
		for {
			select {
			case <-done:
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if err := m.publisher.EmitWindowPropertyChanged(path, change); err != nil {
					// Racing with unpublication is expected.
					m.logger.Debug("signal emission failed", map[string]string{
						"path":  path,
						"error": err.Error(),
					})
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// removeXWayland tears one display down. The forwarder stops and the
// connection closes unconditionally; an unpublish failure keeps the
// entry so the next pass retries, and is returned to abort this pass.
func (m *Manager) removeXWayland(display string) error {
	entry, ok := m.xwaylands[display]
	if !ok {
		m.logger.Warn("remove for unknown display", map[string]string{
			"display": display,
		})
		return nil
	}

	entry.stop()
	entry.health.Client().Close()
	if err := m.publisher.UnpublishXWayland(entry.path); err != nil {
		return err
	}

	delete(m.xwaylands, display)
	m.registry.IncInstanceRemoved()
	m.logger.Info("xwayland removed", map[string]string{
		"display": display,
		"path":    entry.path,
	})
	m.publishEvent(LifecycleEvent{
		Kind: EventRemoved, Family: FamilyXWayland,
		ID: display, Path: entry.path, Timestamp: time.Now(),
	})
	return nil
}

// addWayland connects a bridge to the socket and publishes its object.
// The filesystem event is authoritative for socket existence, so there
// is no re-query.
func (m *Manager) addWayland(socketPath string, number int) {
	if _, ok := m.waylands[socketPath]; ok {
		m.logger.Warn("add for already published socket", map[string]string{
			"socket": socketPath,
		})
		return
	}

	shooter, err := m.bridgeFactory(socketPath)
	if err != nil {
		m.logger.Warn("compositor connect failed", map[string]string{
			"socket": socketPath,
			"error":  err.Error(),
		})
		return
	}

	path, err := m.publisher.PublishWayland(number, shooter)
	if err != nil {
		shooter.Terminate()
		m.logger.Error("publish failed", map[string]string{
			"socket": socketPath,
			"error":  err.Error(),
		})
		return
	}

	m.waylands[socketPath] = &waylandEntry{path: path, shooter: shooter}
	m.registry.IncInstancePublished()
	m.logger.Info("wayland published", map[string]string{
		"socket": socketPath,
		"path":   path,
	})
	m.publishEvent(LifecycleEvent{
		Kind: EventPublished, Family: FamilyWayland,
		ID: socketPath, Path: path, Timestamp: time.Now(),
	})
}

func (m *Manager) removeWayland(socketPath string) {
	entry, ok := m.waylands[socketPath]
	if !ok {
		m.logger.Warn("remove for unknown socket", map[string]string{
			"socket": socketPath,
		})
		return
	}

	entry.shooter.Terminate()
	if err := m.publisher.UnpublishWayland(entry.path); err != nil {
		m.logger.Error("unpublish failed, keeping entry for retry", map[string]string{
			"socket": socketPath,
			"error":  err.Error(),
		})
		return
	}

	delete(m.waylands, socketPath)
	m.registry.IncInstanceRemoved()
	m.logger.Info("wayland removed", map[string]string{
		"socket": socketPath,
		"path":   entry.path,
	})
	m.publishEvent(LifecycleEvent{
		Kind: EventRemoved, Family: FamilyWayland,
		ID: socketPath, Path: entry.path, Timestamp: time.Now(),
	})
}

func (m *Manager) teardownAll() {
	for display := range m.xwaylands {
		if err := m.removeXWayland(display); err != nil {
			m.logger.Warn("teardown failed", map[string]string{
				"display": display,
				"error":   err.Error(),
			})
		}
	}
	for socketPath := range m.waylands {
		m.removeWayland(socketPath)
	}
}

// settleDelay maps the zero value to the default so a caller building
// ManagerOptions{} still gets the settle; negative disables it.
func settleDelay(value, fallback time.Duration) time.Duration {
	switch {
	case value == 0:
		return fallback
	case value < 0:
		return 0
	default:
		return value
	}
}

func (m *Manager) settle(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (m *Manager) publishEvent(ev LifecycleEvent) {
	m.bus.Publish(ev)
}
