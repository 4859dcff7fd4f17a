package gamescope

import (
	"gamescoped/internal/wayland"
	"gamescoped/internal/x11"
)

// Publisher registers and removes the remote objects that represent
// discovered instances. The manager decides when objects exist; the
// publisher owns how they appear on the bus.
type Publisher interface {
	// PublishXWayland exports the object for one display at the path
	// derived from its display number, so paths stay stable while
	// neighbouring displays come and go. Primary instances carry the
	// richer interface at the same path. The returned path identifies
	// the object for later calls.
	PublishXWayland(number int, health *x11.Reconnecting, primary bool) (string, error)
	UnpublishXWayland(path string) error

	// PublishWayland exports the object for one compositor socket.
	PublishWayland(number int, shooter wayland.Screenshotter) (string, error)
	UnpublishWayland(path string) error

	// EmitWindowPropertyChanged forwards a property-change notification
	// as a signal on the published object. Emissions racing with
	// unpublication fail silently at the transport.
	EmitWindowPropertyChanged(path string, change x11.PropertyChange) error
}
