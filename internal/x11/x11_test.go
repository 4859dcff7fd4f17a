package x11

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gamescoped/internal/metrics"
)

func TestParseDisplaySocketName(t *testing.T) {
	cases := []struct {
		name   string
		number int
		ok     bool
	}{
		{"X0", 0, true},
		{"X1", 1, true},
		{"X42", 42, true},
		{"X", 0, false},
		{"Xabc", 0, false},
		{"X-1", 0, false},
		{"Y1", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		number, ok := ParseDisplaySocketName(tc.name)
		if ok != tc.ok || number != tc.number {
			t.Fatalf("ParseDisplaySocketName(%q) = (%d, %v), want (%d, %v)", tc.name, number, ok, tc.number, tc.ok)
		}
	}
}

func TestParseDisplayName(t *testing.T) {
	cases := []struct {
		display string
		number  int
		ok      bool
	}{
		{":0", 0, true},
		{":1", 1, true},
		{":42", 42, true},
		{":", 0, false},
		{":abc", 0, false},
		{":-1", 0, false},
		{"0", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		number, ok := ParseDisplayName(tc.display)
		if ok != tc.ok || number != tc.number {
			t.Fatalf("ParseDisplayName(%q) = (%d, %v), want (%d, %v)", tc.display, number, ok, tc.number, tc.ok)
		}
	}
}

func TestDiscoverListsSortedDisplays(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"X2", "X0", "X10", "notasocket", "Xbad"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0600); err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
	}

	displays, err := SocketDiscoverer{Dir: dir}.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := []string{":0", ":2", ":10"}
	if !reflect.DeepEqual(displays, want) {
		t.Fatalf("expected %v, got %v", want, displays)
	}
}

func TestDiscoverMissingDirErrors(t *testing.T) {
	if _, err := (SocketDiscoverer{Dir: filepath.Join(t.TempDir(), "absent")}).Discover(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

type fakeClient struct {
	display string

	mu        sync.Mutex
	connected bool
	connects  atomic.Int32
	connectCh chan struct{}
	failNext  bool
}

func (f *fakeClient) Connect() error {
	f.connects.Add(1)
	if f.connectCh != nil {
		<-f.connectCh
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return ErrNotConnected
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) DisplayName() string { return f.display }
func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) IsPrimary() (bool, error) { return false, nil }
func (f *fakeClient) RootWindow() (uint32, error) { return 0, nil }
func (f *fakeClient) WindowChildren(uint32) ([]uint32, error) { return nil, nil }
func (f *fakeClient) WindowName(uint32) (string, error) { return "", nil }
func (f *fakeClient) WindowGeometry(uint32) (Geometry, error) { return Geometry{}, nil }
func (f *fakeClient) FocusedWindow() (uint32, error) { return 0, nil }
func (f *fakeClient) FocusableApps() ([]uint32, error) { return nil, nil }
func (f *fakeClient) BaselayerAppID() (uint32, error) { return 0, nil }
func (f *fakeClient) SetBaselayerAppID(uint32) error { return nil }
func (f *fakeClient) AllowTearing() (bool, error) { return false, nil }
func (f *fakeClient) SetAllowTearing(bool) error { return nil }
func (f *fakeClient) BlurMode() (uint32, error) { return 0, nil }
func (f *fakeClient) SetBlurMode(uint32) error { return nil }
func (f *fakeClient) BlurRadius() (uint32, error) { return 0, nil }
func (f *fakeClient) SetBlurRadius(uint32) error { return nil }
func (f *fakeClient) FSRSharpness() (uint32, error) { return 0, nil }
func (f *fakeClient) SetFSRSharpness(uint32) error { return nil }
func (f *fakeClient) FrameLimit() (uint32, error) { return 0, nil }
func (f *fakeClient) SetFrameLimit(uint32) error { return nil }
func (f *fakeClient) WatchWindow(uint32) error { return nil }
func (f *fakeClient) UnwatchWindow(uint32) error { return nil }
func (f *fakeClient) WatchedWindows() []uint32 { return nil }
func (f *fakeClient) Changes() <-chan PropertyChange { return nil }

func TestEnsureHealthyIsNil(t *testing.T) {
	client := &fakeClient{display: ":0", connected: true}
	wrapper := NewReconnecting(client, nil, &metrics.Registry{})
	if err := wrapper.Ensure(); err != nil {
		t.Fatalf("expected nil for healthy connection, got %v", err)
	}
	if client.connects.Load() != 0 {
		t.Fatal("healthy connection should not reconnect")
	}
}

func TestEnsureUnhealthyFailsFastAndReconnects(t *testing.T) {
	client := &fakeClient{display: ":0"}
	wrapper := NewReconnecting(client, nil, &metrics.Registry{})

	if err := wrapper.Ensure(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for background reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := wrapper.Ensure(); err != nil {
		t.Fatalf("expected nil after reconnect, got %v", err)
	}
}

func TestEnsureStartsOnlyOneReconnect(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{display: ":0", connectCh: gate}
	wrapper := NewReconnecting(client, nil, &metrics.Registry{})

	for i := 0; i < 5; i++ {
		if err := wrapper.Ensure(); err != ErrNotConnected {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	}
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := client.connects.Load(); got != 1 {
		t.Fatalf("expected exactly one reconnect attempt, got %d", got)
	}
}
