package dbusobj

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"gamescoped/internal/metrics"
	"gamescoped/internal/wayland"
	"gamescoped/internal/x11"
)

type export struct {
	value interface{}
	path  dbus.ObjectPath
	iface string
}

type signal struct {
	path   dbus.ObjectPath
	name   string
	values []interface{}
}

type fakeConn struct {
	mu        sync.Mutex
	exports   []export
	signals   []signal
	failIface string
}

func (c *fakeConn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v != nil && iface == c.failIface {
		return errors.New("export refused")
	}
	c.exports = append(c.exports, export{value: v, path: path, iface: iface})
	return nil
}

func (c *fakeConn) setFailIface(iface string) {
	c.mu.Lock()
	c.failIface = iface
	c.mu.Unlock()
}

func (c *fakeConn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, signal{path: path, name: name, values: values})
	return nil
}

func (c *fakeConn) RequestName(string, dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) exported(path dbus.ObjectPath, iface string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var last interface{}
	for _, e := range c.exports {
		if e.path == path && e.iface == iface {
			last = e.value
		}
	}
	return last
}

func (c *fakeConn) signalCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, s := range c.signals {
		if s.name == name {
			count++
		}
	}
	return count
}

type busClient struct {
	x11.Client
	display string
	tearing bool
}

func (c *busClient) Connect() error { return nil }
func (c *busClient) Connected() bool { return true }
func (c *busClient) DisplayName() string { return c.display }
func (c *busClient) Close() error { return nil }

func (c *busClient) AllowTearing() (bool, error) { return c.tearing, nil }
func (c *busClient) SetAllowTearing(v bool) error { c.tearing = v; return nil }
func (c *busClient) WatchedWindows() []uint32 { return []uint32{3, 4} }

func newTestPublisher(t *testing.T, conn *fakeConn, opener QueueOpener) *Publisher {
	t.Helper()
	publisher, err := newPublisher(conn, Options{
		Registry:    &metrics.Registry{},
		QueueOpener: opener,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	return publisher
}

func noQueue() (FrameQueue, error) {
	return nil, errors.New("no queue")
}

func TestPublishXWaylandExportsAndSignals(t *testing.T) {
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, noQueue)

	health := x11.NewReconnecting(&busClient{display: ":0"}, nil, &metrics.Registry{})
	path, err := publisher.PublishXWayland(0, health, true)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if path != "/org/shadowblip/Gamescope/XWayland0" {
		t.Fatalf("unexpected path %q", path)
	}

	objectPath := dbus.ObjectPath(path)
	if conn.exported(objectPath, IfaceXWayland) == nil {
		t.Fatal("base interface not exported")
	}
	if conn.exported(objectPath, IfaceXWaylandPrimary) == nil {
		t.Fatal("primary interface not exported")
	}
	if conn.exported(objectPath, ifaceProperties) == nil {
		t.Fatal("properties not exported")
	}
	if conn.signalCount(signalInterfacesAdded) != 1 {
		t.Fatal("expected one InterfacesAdded signal")
	}
}

func TestSecondaryInstanceOmitsPrimaryInterface(t *testing.T) {
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, noQueue)

	health := x11.NewReconnecting(&busClient{display: ":1"}, nil, &metrics.Registry{})
	path, err := publisher.PublishXWayland(1, health, false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if conn.exported(dbus.ObjectPath(path), IfaceXWaylandPrimary) != nil {
		t.Fatal("secondary instance must not export the primary interface")
	}
}

func TestUnpublishRemovesObjectAndSignals(t *testing.T) {
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, noQueue)

	health := x11.NewReconnecting(&busClient{display: ":0"}, nil, &metrics.Registry{})
	path, err := publisher.PublishXWayland(0, health, false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := publisher.UnpublishXWayland(path); err != nil {
		t.Fatalf("unpublish: %v", err)
	}

	if conn.exported(dbus.ObjectPath(path), IfaceXWayland) != nil {
		t.Fatal("interface still exported after unpublish")
	}
	if conn.signalCount(signalInterfacesRemoved) != 1 {
		t.Fatal("expected one InterfacesRemoved signal")
	}

	managed, derr := publisher.GetManagedObjects()
	if derr != nil {
		t.Fatalf("managed objects: %v", derr)
	}
	if _, ok := managed[dbus.ObjectPath(path)]; ok {
		t.Fatal("unpublished path still managed")
	}
}

func TestXWaylandProperties(t *testing.T) {
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, noQueue)

	client := &busClient{display: ":0"}
	health := x11.NewReconnecting(client, nil, &metrics.Registry{})
	path, err := publisher.PublishXWayland(0, health, true)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	handler := conn.exported(dbus.ObjectPath(path), ifaceProperties).(*propsHandler)

	name, derr := handler.Get(IfaceXWayland, "Name")
	if derr != nil || name.Value() != ":0" {
		t.Fatalf("Name = %v (%v)", name.Value(), derr)
	}
	primary, derr := handler.Get(IfaceXWayland, "Primary")
	if derr != nil || primary.Value() != true {
		t.Fatalf("Primary = %v (%v)", primary.Value(), derr)
	}

	if derr := handler.Set(IfaceXWaylandPrimary, "AllowTearing", dbus.MakeVariant(true)); derr != nil {
		t.Fatalf("set AllowTearing: %v", derr)
	}
	if !client.tearing {
		t.Fatal("setter did not reach the client")
	}

	if _, derr := handler.Get(IfaceXWayland, "NoSuchProperty"); derr == nil {
		t.Fatal("expected UnknownProperty error")
	}
	if derr := handler.Set(IfaceXWayland, "Name", dbus.MakeVariant("x")); derr == nil {
		t.Fatal("expected read-only error")
	}

	all, derr := handler.GetAll(IfaceXWayland)
	if derr != nil {
		t.Fatalf("GetAll: %v", derr)
	}
	if _, ok := all["WatchedWindows"]; !ok {
		t.Fatal("GetAll missing WatchedWindows")
	}
}

func TestFailedXWaylandPublishRollsBackExports(t *testing.T) {
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, noQueue)
	conn.setFailIface(ifaceProperties)

	health := x11.NewReconnecting(&busClient{display: ":0"}, nil, &metrics.Registry{})
	if _, err := publisher.PublishXWayland(0, health, true); err == nil {
		t.Fatal("expected publish failure")
	}

	path := dbus.ObjectPath("/org/shadowblip/Gamescope/XWayland0")
	if conn.exported(path, IfaceXWayland) != nil {
		t.Fatal("base interface left exported after failed publish")
	}
	if conn.exported(path, IfaceXWaylandPrimary) != nil {
		t.Fatal("primary interface left exported after failed publish")
	}
	if conn.signalCount(signalInterfacesAdded) != 0 {
		t.Fatal("failed publish must not be announced")
	}
	managed, derr := publisher.GetManagedObjects()
	if derr != nil {
		t.Fatalf("managed objects: %v", derr)
	}
	if _, ok := managed[path]; ok {
		t.Fatal("failed publish must not be managed")
	}
}

func TestFailedWaylandPublishRollsBackExports(t *testing.T) {
	queue := &fakeQueue{
		samples: make(chan FrameSample, 1),
		errs:    make(chan error, 1),
	}
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, func() (FrameQueue, error) {
		return queue, nil
	})
	conn.setFailIface(ifaceProperties)

	if _, err := publisher.PublishWayland(0, &screenshotRecorder{}); err == nil {
		t.Fatal("expected publish failure")
	}

	path := dbus.ObjectPath("/org/shadowblip/Gamescope/Wayland0")
	if conn.exported(path, IfaceWayland) != nil {
		t.Fatal("wayland interface left exported after failed publish")
	}
	if conn.exported(path, IfaceMetrics) != nil {
		t.Fatal("metrics interface left exported after failed publish")
	}
	publisher.mu.Lock()
	readers := len(publisher.readers)
	publisher.mu.Unlock()
	if readers != 0 {
		t.Fatal("frame reader left tracked after failed publish")
	}
}

type screenshotRecorder struct {
	mu    sync.Mutex
	calls []wayland.ScreenshotType
	err   error
}

func (s *screenshotRecorder) TakeScreenshot(path string, kind wayland.ScreenshotType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)
	return s.err
}

func (s *screenshotRecorder) Terminate() {}

func TestWaylandTakeScreenshotTypeMapping(t *testing.T) {
	recorder := &screenshotRecorder{}
	object := &waylandObject{shooter: recorder}

	if derr := object.TakeScreenshot("/tmp/a.png", 2); derr != nil {
		t.Fatalf("screenshot: %v", derr)
	}
	if len(recorder.calls) != 1 || recorder.calls[0] != wayland.ScreenshotFullComposition {
		t.Fatalf("unexpected calls %v", recorder.calls)
	}

	if derr := object.TakeScreenshot("/tmp/a.png", 4); derr == nil {
		t.Fatal("expected invalid-type error")
	}

	recorder.err = wayland.ErrControlUnavailable
	if derr := object.TakeScreenshot("/tmp/a.png", 0); derr == nil {
		t.Fatal("expected propagated failure")
	}
}

type fakeQueue struct {
	samples chan FrameSample
	errs    chan error
}

func (q *fakeQueue) Receive() (FrameSample, error) {
	select {
	case sample := <-q.samples:
		return sample, nil
	case err := <-q.errs:
		return FrameSample{}, err
	}
}

func (q *fakeQueue) Close() error { return nil }

func TestFrameReaderPumpAndFailure(t *testing.T) {
	queue := &fakeQueue{
		samples: make(chan FrameSample, 1),
		errs:    make(chan error, 1),
	}
	conn := &fakeConn{}
	publisher := newTestPublisher(t, conn, func() (FrameQueue, error) {
		return queue, nil
	})

	path, err := publisher.PublishWayland(0, &screenshotRecorder{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	metricsObj := conn.exported(dbus.ObjectPath(path), IfaceMetrics).(*metricsObject)
	handler := conn.exported(dbus.ObjectPath(path), ifaceProperties).(*propsHandler)

	queue.samples <- FrameSample{PID: 42, OutputWidth: 1280}
	if derr := metricsObj.Update(); derr != nil {
		t.Fatalf("update: %v", derr)
	}
	waitForCondition(t, "sample stored", func() bool {
		value, derr := handler.Get(IfaceMetrics, "Pid")
		return derr == nil && value.Value() == uint32(42)
	})

	queue.errs <- errors.New("queue empty")
	if derr := metricsObj.Update(); derr != nil {
		t.Fatalf("update: %v", derr)
	}
	waitForCondition(t, "sample cleared", func() bool {
		value, derr := handler.Get(IfaceMetrics, "Pid")
		return derr == nil && value.Value() == uint32(0)
	})
}

func waitForCondition(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecodeFrameSample(t *testing.T) {
	body := make([]byte, 64)
	binary.LittleEndian.PutUint32(body[8:], 1)     // version
	binary.LittleEndian.PutUint32(body[12:], 7)    // pid
	binary.LittleEndian.PutUint64(body[16:], 16e6) // app frametime
	body[24] = 1
	body[25] = 5
	binary.LittleEndian.PutUint64(body[32:], 17e6)
	binary.LittleEndian.PutUint64(body[40:], 2e6)
	binary.LittleEndian.PutUint32(body[48:], 1280)
	binary.LittleEndian.PutUint32(body[52:], 800)
	binary.LittleEndian.PutUint16(body[56:], 60)
	body[58] = 1
	body[59] = 0

	sample, err := decodeFrameSample(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sample.PID != 7 || sample.OutputWidth != 1280 || sample.DisplayRefresh != 60 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if !sample.AppWantsHDR || sample.OverlayFocused {
		t.Fatalf("flag decode wrong: %+v", sample)
	}

	if _, err := decodeFrameSample(body[:16]); err == nil {
		t.Fatal("expected error for short message")
	}
	binary.LittleEndian.PutUint32(body[8:], 0)
	if _, err := decodeFrameSample(body); err == nil {
		t.Fatal("expected error for version 0")
	}
}
