// Package x11 talks to the X11 side of a gamescope instance: property
// reads and writes against the root window, window-tree queries, and
// property-change notifications for watched windows.
package x11

import "errors"

var (
	// ErrNotConnected is returned by accessors while the underlying
	// connection is down. A reconnect runs in the background; the caller
	// gets this error for the current call only.
	ErrNotConnected = errors.New("x11 connection not established")
	// ErrNoProperty is returned when a queried property is absent.
	ErrNoProperty = errors.New("property not set")
)

// Geometry of a window relative to its parent.
type Geometry struct {
	X      int16
	Y      int16
	Width  uint16
	Height uint16
}

// PropertyChange reports one property update on a watched window.
type PropertyChange struct {
	Window   uint32
	Property string
}

// Client is one connection to one X11 display. Accessors may be called
// from any goroutine; implementations serialize internally.
type Client interface {
	Connect() error
	Connected() bool
	DisplayName() string
	Close() error

	IsPrimary() (bool, error)
	RootWindow() (uint32, error)
	WindowChildren(window uint32) ([]uint32, error)
	WindowName(window uint32) (string, error)
	WindowGeometry(window uint32) (Geometry, error)

	FocusedWindow() (uint32, error)
	FocusableApps() ([]uint32, error)
	BaselayerAppID() (uint32, error)
	SetBaselayerAppID(appID uint32) error

	AllowTearing() (bool, error)
	SetAllowTearing(allow bool) error
	BlurMode() (uint32, error)
	SetBlurMode(mode uint32) error
	BlurRadius() (uint32, error)
	SetBlurRadius(radius uint32) error
	FSRSharpness() (uint32, error)
	SetFSRSharpness(sharpness uint32) error
	FrameLimit() (uint32, error)
	SetFrameLimit(limit uint32) error

	WatchWindow(window uint32) error
	UnwatchWindow(window uint32) error
	WatchedWindows() []uint32

	// Changes delivers property updates for watched windows. The channel
	// stays open across reconnects; it is drained by a dedicated
	// forwarding task owned by the registry.
	Changes() <-chan PropertyChange
}

// Factory builds a client for a display name such as ":1".
type Factory func(display string) Client

// Discoverer reports the authoritative list of live display names.
type Discoverer interface {
	Discover() ([]string, error)
}
