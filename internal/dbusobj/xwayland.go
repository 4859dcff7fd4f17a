package dbusobj

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"gamescoped/internal/x11"
)

// xwaylandObject exposes one display instance. Every method checks
// connection health first; an unhealthy connection kicks a background
// reconnect and the call fails with a bus error instead of blocking.
type xwaylandObject struct {
	health  *x11.Reconnecting
	primary bool
}

func (o *xwaylandObject) client() (x11.Client, *dbus.Error) {
	if err := o.health.Ensure(); err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	return o.health.Client(), nil
}

func (o *xwaylandObject) WatchWindow(window uint32) *dbus.Error {
	client, derr := o.client()
	if derr != nil {
		return derr
	}
	if err := client.WatchWindow(window); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *xwaylandObject) UnwatchWindow(window uint32) *dbus.Error {
	client, derr := o.client()
	if derr != nil {
		return derr
	}
	if err := client.UnwatchWindow(window); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *xwaylandObject) GetWindowName(window uint32) (string, *dbus.Error) {
	client, derr := o.client()
	if derr != nil {
		return "", derr
	}
	name, err := client.WindowName(window)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return name, nil
}

func (o *xwaylandObject) GetWindowChildren(window uint32) ([]uint32, *dbus.Error) {
	client, derr := o.client()
	if derr != nil {
		return nil, derr
	}
	children, err := client.WindowChildren(window)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	if children == nil {
		children = []uint32{}
	}
	return children, nil
}

func (o *xwaylandObject) GetWindowGeometry(window uint32) (int32, int32, uint32, uint32, *dbus.Error) {
	client, derr := o.client()
	if derr != nil {
		return 0, 0, 0, 0, derr
	}
	geometry, err := client.WindowGeometry(window)
	if err != nil {
		return 0, 0, 0, 0, dbus.MakeFailedError(err)
	}
	return int32(geometry.X), int32(geometry.Y), uint32(geometry.Width), uint32(geometry.Height), nil
}

// properties registers the base interface properties on the handler.
func (o *xwaylandObject) properties(handler *propsHandler) {
	handler.add(IfaceXWayland, "Name", propSpec{
		get: func() (interface{}, error) {
			return o.health.Client().DisplayName(), nil
		},
	})
	handler.add(IfaceXWayland, "Primary", propSpec{
		get: func() (interface{}, error) { return o.primary, nil },
	})
	handler.add(IfaceXWayland, "WatchedWindows", propSpec{
		get: func() (interface{}, error) {
			watched := o.health.Client().WatchedWindows()
			if watched == nil {
				watched = []uint32{}
			}
			return watched, nil
		},
	})
}

// xwaylandPrimaryObject is the richer interface attached only to the
// primary display instance.
type xwaylandPrimaryObject struct {
	health *x11.Reconnecting
}

func (o *xwaylandPrimaryObject) client() (x11.Client, *dbus.Error) {
	if err := o.health.Ensure(); err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	return o.health.Client(), nil
}

func (o *xwaylandPrimaryObject) SetBaselayerAppId(appID uint32) *dbus.Error {
	client, derr := o.client()
	if derr != nil {
		return derr
	}
	if err := client.SetBaselayerAppID(appID); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// getter and setter adapt one uint32 accessor pair into a propSpec.
func (o *xwaylandPrimaryObject) cardinal(
	read func(x11.Client) (uint32, error),
	write func(x11.Client, uint32) error,
) propSpec {
	spec := propSpec{
		get: func() (interface{}, error) {
			if err := o.health.Ensure(); err != nil {
				return nil, err
			}
			return read(o.health.Client())
		},
	}
	if write != nil {
		spec.set = func(value dbus.Variant) error {
			number, ok := value.Value().(uint32)
			if !ok {
				return fmt.Errorf("expected uint32, got %T", value.Value())
			}
			if err := o.health.Ensure(); err != nil {
				return err
			}
			return write(o.health.Client(), number)
		}
	}
	return spec
}

func (o *xwaylandPrimaryObject) properties(handler *propsHandler) {
	handler.add(IfaceXWaylandPrimary, "FocusedWindow", o.cardinal(
		x11.Client.FocusedWindow, nil))
	handler.add(IfaceXWaylandPrimary, "FocusableApps", propSpec{
		get: func() (interface{}, error) {
			if err := o.health.Ensure(); err != nil {
				return nil, err
			}
			apps, err := o.health.Client().FocusableApps()
			if err != nil {
				return nil, err
			}
			if apps == nil {
				apps = []uint32{}
			}
			return apps, nil
		},
	})
	handler.add(IfaceXWaylandPrimary, "BaselayerAppId", o.cardinal(
		x11.Client.BaselayerAppID, x11.Client.SetBaselayerAppID))
	handler.add(IfaceXWaylandPrimary, "AllowTearing", propSpec{
		get: func() (interface{}, error) {
			if err := o.health.Ensure(); err != nil {
				return nil, err
			}
			return o.health.Client().AllowTearing()
		},
		set: func(value dbus.Variant) error {
			allow, ok := value.Value().(bool)
			if !ok {
				return fmt.Errorf("expected bool, got %T", value.Value())
			}
			if err := o.health.Ensure(); err != nil {
				return err
			}
			return o.health.Client().SetAllowTearing(allow)
		},
	})
	handler.add(IfaceXWaylandPrimary, "BlurMode", o.cardinal(
		x11.Client.BlurMode, x11.Client.SetBlurMode))
	handler.add(IfaceXWaylandPrimary, "BlurRadius", o.cardinal(
		x11.Client.BlurRadius, x11.Client.SetBlurRadius))
	handler.add(IfaceXWaylandPrimary, "FsrSharpness", o.cardinal(
		x11.Client.FSRSharpness, x11.Client.SetFSRSharpness))
	handler.add(IfaceXWaylandPrimary, "FrameLimit", o.cardinal(
		x11.Client.FrameLimit, x11.Client.SetFrameLimit))
}
