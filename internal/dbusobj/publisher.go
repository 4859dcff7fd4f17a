// Package dbusobj publishes discovered instances as session bus
// objects. The manager decides when objects exist; this package owns
// the bus transport, property serving, and lifecycle signals.
package dbusobj

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
	"gamescoped/internal/wayland"
	"gamescoped/internal/x11"
)

const (
	DefaultBusName = "org.shadowblip.Gamescope"
	RootPath       = dbus.ObjectPath("/org/shadowblip/Gamescope")
	ManagerPath    = RootPath + "/Manager"

	IfaceManager         = "org.shadowblip.Gamescope.Manager"
	IfaceXWayland        = "org.shadowblip.Gamescope.XWayland"
	IfaceXWaylandPrimary = "org.shadowblip.Gamescope.XWayland.Primary"
	IfaceWayland         = "org.shadowblip.Gamescope.Wayland"
	IfaceMetrics         = "org.shadowblip.Gamescope.Wayland.Metrics"

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	signalInterfacesAdded       = ifaceObjectManager + ".InterfacesAdded"
	signalInterfacesRemoved     = ifaceObjectManager + ".InterfacesRemoved"
	signalWindowPropertyChanged = IfaceXWayland + ".WindowPropertyChanged"
)

// busConn is the slice of *dbus.Conn the publisher uses, split out so
// tests can run against a recording fake.
type busConn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Close() error
}

type Options struct {
	BusName     string
	Logger      *logging.Logger
	Registry    *metrics.Registry
	QueueOpener QueueOpener
}

// Publisher owns the daemon's presence on the session bus: the
// ObjectManager root, the Manager object, and one object per published
// instance.
type Publisher struct {
	conn      busConn
	logger    *logging.Logger
	registry  *metrics.Registry
	openQueue QueueOpener

	mu      sync.Mutex
	objects map[dbus.ObjectPath][]string
	readers map[dbus.ObjectPath]*frameReader
}

// Connect joins the session bus and claims the well-known name. Any
// failure here is fatal to startup; the daemon is useless without its
// bus presence.
func Connect(options Options) (*Publisher, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	publisher, err := newPublisher(conn, options)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return publisher, nil
}

func newPublisher(conn busConn, options Options) (*Publisher, error) {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	busName := options.BusName
	if busName == "" {
		busName = DefaultBusName
	}
	openQueue := options.QueueOpener
	if openQueue == nil {
		openQueue = OpenMangoQueue
	}

	publisher := &Publisher{
		conn:      conn,
		logger:    logger.With(map[string]string{"component": "dbus"}),
		registry:  registry,
		openQueue: openQueue,
		objects:   make(map[dbus.ObjectPath][]string),
		readers:   make(map[dbus.ObjectPath]*frameReader),
	}

	if err := conn.Export(publisher, RootPath, ifaceObjectManager); err != nil {
		return nil, fmt.Errorf("export object manager: %w", err)
	}
	if err := publisher.exportManager(); err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("name %s already owned", busName)
	}

	publisher.logger.Info("session bus name claimed", map[string]string{
		"name": busName,
	})
	return publisher, nil
}

func (p *Publisher) exportManager() error {
	handler := newPropsHandler()
	handler.add(IfaceManager, "Name", propSpec{
		get: func() (interface{}, error) { return "gamescoped", nil },
	})
	if err := p.conn.Export(handler, ManagerPath, ifaceProperties); err != nil {
		return fmt.Errorf("export manager properties: %w", err)
	}
	p.track(ManagerPath, IfaceManager)
	return nil
}

// GetManagedObjects serves org.freedesktop.DBus.ObjectManager on the
// root path. Properties are dynamic, so per-interface maps are empty
// and clients read them through the Properties interface.
func (p *Publisher) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	managed := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(p.objects))
	for path, ifaces := range p.objects {
		byIface := make(map[string]map[string]dbus.Variant, len(ifaces))
		for _, iface := range ifaces {
			byIface[iface] = map[string]dbus.Variant{}
		}
		managed[path] = byIface
	}
	return managed, nil
}

// PublishXWayland exports the object for one display at the path
// derived from its display number.
func (p *Publisher) PublishXWayland(number int, health *x11.Reconnecting, primary bool) (string, error) {
	path := dbus.ObjectPath(fmt.Sprintf("%s/XWayland%d", RootPath, number))

	object := &xwaylandObject{health: health, primary: primary}
	handler := newPropsHandler()
	object.properties(handler)

	ifaces := []string{IfaceXWayland}
	if err := p.conn.Export(object, path, IfaceXWayland); err != nil {
		return "", fmt.Errorf("export %s: %w", path, err)
	}
	if primary {
		primaryObject := &xwaylandPrimaryObject{health: health}
		primaryObject.properties(handler)
		if err := p.conn.Export(primaryObject, path, IfaceXWaylandPrimary); err != nil {
			p.rollback(path, ifaces)
			return "", fmt.Errorf("export %s: %w", path, err)
		}
		ifaces = append(ifaces, IfaceXWaylandPrimary)
	}
	if err := p.conn.Export(handler, path, ifaceProperties); err != nil {
		p.rollback(path, ifaces)
		return "", fmt.Errorf("export %s properties: %w", path, err)
	}

	p.track(path, ifaces...)
	p.emitAdded(path, ifaces)
	return string(path), nil
}

func (p *Publisher) UnpublishXWayland(path string) error {
	return p.unpublish(dbus.ObjectPath(path))
}

// PublishWayland exports the object for one compositor socket at the
// path derived from its socket number, with the frame-metrics interface
// attached when the statistics queue is available.
func (p *Publisher) PublishWayland(number int, shooter wayland.Screenshotter) (string, error) {
	path := dbus.ObjectPath(fmt.Sprintf("%s/Wayland%d", RootPath, number))

	object := &waylandObject{shooter: shooter}
	if err := p.conn.Export(object, path, IfaceWayland); err != nil {
		return "", fmt.Errorf("export %s: %w", path, err)
	}
	ifaces := []string{IfaceWayland}
	handler := newPropsHandler()

	var reader *frameReader
	queue, err := p.openQueue()
	if err != nil {
		p.logger.Debug("frame statistics unavailable", map[string]string{
			"error": err.Error(),
		})
	} else {
		reader = newFrameReader(queue, p.logger)
		metricsObj := &metricsObject{reader: reader}
		metricsObj.properties(handler)
		if err := p.conn.Export(metricsObj, path, IfaceMetrics); err != nil {
			reader.stop()
			p.rollback(path, ifaces)
			return "", fmt.Errorf("export %s metrics: %w", path, err)
		}
		ifaces = append(ifaces, IfaceMetrics)
	}

	if err := p.conn.Export(handler, path, ifaceProperties); err != nil {
		if reader != nil {
			reader.stop()
		}
		p.rollback(path, ifaces)
		return "", fmt.Errorf("export %s properties: %w", path, err)
	}

	if reader != nil {
		p.mu.Lock()
		p.readers[path] = reader
		p.mu.Unlock()
	}
	p.track(path, ifaces...)
	p.emitAdded(path, ifaces)
	return string(path), nil
}

func (p *Publisher) UnpublishWayland(path string) error {
	return p.unpublish(dbus.ObjectPath(path))
}

// rollback unexports interfaces already registered on a path after a
// later export in the same publish failed, so a failed publish leaves
// nothing reachable. The path was never tracked or announced, so no
// removal signal is emitted.
func (p *Publisher) rollback(path dbus.ObjectPath, ifaces []string) {
	for _, iface := range ifaces {
		if err := p.conn.Export(nil, path, iface); err != nil {
			p.logger.Debug("rollback unexport failed", map[string]string{
				"path":  string(path),
				"iface": iface,
				"error": err.Error(),
			})
		}
	}
}

func (p *Publisher) unpublish(path dbus.ObjectPath) error {
	p.mu.Lock()
	ifaces := p.objects[path]
	reader := p.readers[path]
	delete(p.objects, path)
	delete(p.readers, path)
	p.mu.Unlock()

	if reader != nil {
		reader.stop()
	}
	for _, iface := range ifaces {
		if err := p.conn.Export(nil, path, iface); err != nil {
			return fmt.Errorf("unexport %s: %w", path, err)
		}
	}
	if err := p.conn.Export(nil, path, ifaceProperties); err != nil {
		return fmt.Errorf("unexport %s properties: %w", path, err)
	}

	if err := p.conn.Emit(RootPath, signalInterfacesRemoved, path, ifaces); err != nil {
		p.logger.Debug("emit removal signal failed", map[string]string{
			"path":  string(path),
			"error": err.Error(),
		})
	}
	return nil
}

// EmitWindowPropertyChanged forwards one property-change notification
// as a signal on the instance object.
func (p *Publisher) EmitWindowPropertyChanged(path string, change x11.PropertyChange) error {
	return p.conn.Emit(dbus.ObjectPath(path), signalWindowPropertyChanged,
		change.Window, change.Property)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	readers := make([]*frameReader, 0, len(p.readers))
	for _, reader := range p.readers {
		readers = append(readers, reader)
	}
	p.readers = make(map[dbus.ObjectPath]*frameReader)
	p.mu.Unlock()

	for _, reader := range readers {
		reader.stop()
	}
	return p.conn.Close()
}

func (p *Publisher) track(path dbus.ObjectPath, ifaces ...string) {
	p.mu.Lock()
	p.objects[path] = ifaces
	p.mu.Unlock()
}

func (p *Publisher) emitAdded(path dbus.ObjectPath, ifaces []string) {
	byIface := make(map[string]map[string]dbus.Variant, len(ifaces))
	for _, iface := range ifaces {
		byIface[iface] = map[string]dbus.Variant{}
	}
	if err := p.conn.Emit(RootPath, signalInterfacesAdded, path, byIface); err != nil {
		p.logger.Debug("emit added signal failed", map[string]string{
			"path":  string(path),
			"error": err.Error(),
		})
	}
}
