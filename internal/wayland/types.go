// Package wayland bridges the compositor's private control protocol into
// the daemon's asynchronous command model. The underlying protocol client
// dispatches events with a blocking call, so it is driven on a dedicated
// goroutine that talks to the rest of the daemon only through messages.
package wayland

import "errors"

// ScreenshotType selects what a compositor screenshot captures.
type ScreenshotType uint8

const (
	ScreenshotAllRealLayers ScreenshotType = iota
	ScreenshotBasePlaneOnly
	ScreenshotFullComposition
	ScreenshotScreenBuffer
)

// ScreenshotTypeFromU8 maps the wire-level byte used on the published
// interface to a ScreenshotType.
func ScreenshotTypeFromU8(value uint8) (ScreenshotType, bool) {
	switch value {
	case 0:
		return ScreenshotAllRealLayers, true
	case 1:
		return ScreenshotBasePlaneOnly, true
	case 2:
		return ScreenshotFullComposition, true
	case 3:
		return ScreenshotScreenBuffer, true
	default:
		return 0, false
	}
}

type ScreenshotFlags uint32

const ScreenshotFlagDummy ScreenshotFlags = 1

var (
	// ErrControlUnavailable: the compositor has not advertised its
	// control capability yet. Requests fail fast instead of queuing.
	ErrControlUnavailable = errors.New("compositor control capability not available")
	// ErrSaturated: the command submission channel is full.
	ErrSaturated = errors.New("command channel saturated")
	// ErrTimeout: the compositor did not answer within the deadline. The
	// dispatch loop is left running; the pending slot is freed.
	ErrTimeout = errors.New("request timed out")
	// ErrTerminated: the bridge shut down after an unrecoverable
	// transport error or an explicit terminate.
	ErrTerminated = errors.New("bridge terminated")
)

// Control is the capability object for compositor control requests. It
// is discovered dynamically after connect; requests queue locally and
// reach the compositor on the next flush.
type Control interface {
	TakeScreenshot(path string, screenshotType ScreenshotType, flags ScreenshotFlags)
}

// InputMethodManager is the capability object for input injection. The
// daemon only tracks its registration.
type InputMethodManager interface{}

// EventHandler receives protocol events inside the blocking dispatch
// call. Implementations must not block; they hand off to a channel.
type EventHandler interface {
	RegisterControl(control Control)
	RegisterInputMethodManager(manager InputMethodManager)
	FeatureSupport(feature, version, flags uint32)
	ScreenshotTaken(path string)
}

// Client is one connection to a compositor socket. Dispatch blocks until
// at least one event batch is processed and must only run on the
// dedicated dispatch goroutine.
type Client interface {
	Roundtrip(handler EventHandler) error
	Dispatch(handler EventHandler) error
	Flush() error
	Close() error
}

// Screenshotter is the façade the published object layer uses.
type Screenshotter interface {
	TakeScreenshot(path string, screenshotType ScreenshotType) error
	Terminate()
}
