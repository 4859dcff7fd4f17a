package wayland

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gamescoped/internal/metrics"
)

// stubClient drives the bridge without a real socket. Events are fed by
// the test through the events channel and delivered inside Dispatch, the
// same shape the wire client has.
type stubClient struct {
	events chan func(EventHandler)
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	flushes int
}

func newStubClient() *stubClient {
	return &stubClient{
		events: make(chan func(EventHandler), 8),
		closed: make(chan struct{}),
	}
}

func (c *stubClient) Roundtrip(handler EventHandler) error {
	for {
		select {
		case deliver := <-c.events:
			deliver(handler)
		default:
			return nil
		}
	}
}

func (c *stubClient) Dispatch(handler EventHandler) error {
	select {
	case deliver := <-c.events:
		deliver(handler)
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *stubClient) Flush() error {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	return nil
}

func (c *stubClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recordingControl struct {
	mu       sync.Mutex
	requests []string
}

func (rc *recordingControl) TakeScreenshot(path string, screenshotType ScreenshotType, flags ScreenshotFlags) {
	rc.mu.Lock()
	rc.requests = append(rc.requests, path)
	rc.mu.Unlock()
}

func (rc *recordingControl) taken() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.requests)
}

func TestScreenshotBeforeControlFailsFast(t *testing.T) {
	client := newStubClient()
	bridge, err := NewBridge(client, Options{Registry: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	defer bridge.Terminate()

	start := time.Now()
	if err := bridge.TakeScreenshot("/tmp/shot.png", ScreenshotAllRealLayers); err != ErrControlUnavailable {
		t.Fatalf("expected ErrControlUnavailable, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("capability check should fail without waiting on the timeout")
	}
}

func TestScreenshotAfterControlRegistration(t *testing.T) {
	client := newStubClient()
	control := &recordingControl{}
	client.events <- func(h EventHandler) { h.RegisterControl(control) }

	bridge, err := NewBridge(client, Options{Registry: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	defer bridge.Terminate()

	if err := bridge.TakeScreenshot("/tmp/shot.png", ScreenshotScreenBuffer); err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if control.taken() != 1 {
		t.Fatalf("expected 1 request on the control object, got %d", control.taken())
	}
}

func TestScreenshotTimesOutWhenLoopIsStalled(t *testing.T) {
	client := newStubClient()
	control := &recordingControl{}
	client.events <- func(h EventHandler) { h.RegisterControl(control) }

	bridge, err := NewBridge(client, Options{
		Registry: &metrics.Registry{},
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	defer bridge.Terminate()

	// Stall the message loop with a command whose reply is never read
	// until after the deadline has passed for the second caller.
	stall := commandTakeScreenshot{
		reply:          make(chan error),
		path:           "/tmp/first.png",
		screenshotType: ScreenshotAllRealLayers,
	}
	bridge.commands <- stall

	if err := bridge.TakeScreenshot("/tmp/second.png", ScreenshotAllRealLayers); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	<-stall.reply
}

func TestScreenshotSaturation(t *testing.T) {
	client := newStubClient()
	control := &recordingControl{}
	client.events <- func(h EventHandler) { h.RegisterControl(control) }

	bridge, err := NewBridge(client, Options{
		Registry: &metrics.Registry{},
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	defer bridge.Terminate()

	// Stall the loop, then fill the command channel. The loop dequeues
	// the stall before blocking, so a full commandBuffer of fills is
	// needed; the blocking sends only complete once that happens.
	stall := commandTakeScreenshot{
		reply:          make(chan error),
		path:           "/tmp/stall.png",
		screenshotType: ScreenshotAllRealLayers,
	}
	bridge.commands <- stall
	for i := 0; i < commandBuffer; i++ {
		bridge.commands <- commandTakeScreenshot{
			reply:          make(chan error, 1),
			path:           "/tmp/fill.png",
			screenshotType: ScreenshotAllRealLayers,
		}
	}

	if err := bridge.TakeScreenshot("/tmp/over.png", ScreenshotAllRealLayers); err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	<-stall.reply
}

func TestDispatchFailureTerminatesWithoutHangs(t *testing.T) {
	client := newStubClient()
	control := &recordingControl{}
	client.events <- func(h EventHandler) { h.RegisterControl(control) }

	bridge, err := NewBridge(client, Options{
		Registry: &metrics.Registry{},
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}

	// Break the transport out from under the dispatch loop.
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := bridge.TakeScreenshot("/tmp/after.png", ScreenshotAllRealLayers)
		if err == ErrTerminated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrTerminated after transport failure, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	client := newStubClient()
	bridge, err := NewBridge(client, Options{Registry: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	bridge.Terminate()
	bridge.Terminate()

	if err := bridge.TakeScreenshot("/tmp/late.png", ScreenshotAllRealLayers); err != ErrTerminated {
		t.Fatalf("expected ErrTerminated after terminate, got %v", err)
	}
}

func TestWireStringEncoding(t *testing.T) {
	encoded := argString("abc")
	if len(encoded) != 8 {
		t.Fatalf("expected 8 bytes for padded string, got %d", len(encoded))
	}
	decoded, rest, ok := decodeString(encoded)
	if !ok || decoded != "abc" || len(rest) != 0 {
		t.Fatalf("roundtrip mismatch: %q ok=%v rest=%d", decoded, ok, len(rest))
	}
}
