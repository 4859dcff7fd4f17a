package dbusobj

import (
	"github.com/godbus/dbus/v5"

	"gamescoped/internal/wayland"
)

const errInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"

// waylandObject exposes one compositor instance.
type waylandObject struct {
	shooter wayland.Screenshotter
}

// TakeScreenshot captures to filePath. The byte selects what is
// captured: 0 all real layers, 1 base plane only, 2 full composition,
// 3 screen buffer.
func (o *waylandObject) TakeScreenshot(filePath string, screenshotType uint8) *dbus.Error {
	kind, ok := wayland.ScreenshotTypeFromU8(screenshotType)
	if !ok {
		return dbus.NewError(errInvalidArgs, []interface{}{"invalid screenshot type"})
	}
	if err := o.shooter.TakeScreenshot(filePath, kind); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}
