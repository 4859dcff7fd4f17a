package dbusobj

import (
	"github.com/godbus/dbus/v5"
)

const (
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	errUnknownProperty = "org.freedesktop.DBus.Error.UnknownProperty"
	errUnknownIface    = "org.freedesktop.DBus.Error.UnknownInterface"
	errPropReadOnly    = "org.freedesktop.DBus.Error.PropertyReadOnly"
)

// propSpec is one property backed by callbacks, so every read queries
// the live connection instead of a cached snapshot.
type propSpec struct {
	get func() (interface{}, error)
	set func(value dbus.Variant) error
}

// propsHandler serves org.freedesktop.DBus.Properties for one object
// path. Specs are registered at publish time and never change after.
type propsHandler struct {
	specs map[string]map[string]propSpec
}

func newPropsHandler() *propsHandler {
	return &propsHandler{specs: make(map[string]map[string]propSpec)}
}

func (h *propsHandler) add(iface, name string, spec propSpec) {
	byName, ok := h.specs[iface]
	if !ok {
		byName = make(map[string]propSpec)
		h.specs[iface] = byName
	}
	byName[name] = spec
}

func (h *propsHandler) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	spec, ok := h.specs[iface][name]
	if !ok {
		return dbus.Variant{}, dbus.NewError(errUnknownProperty, []interface{}{name})
	}
	value, err := spec.get()
	if err != nil {
		return dbus.Variant{}, dbus.MakeFailedError(err)
	}
	return dbus.MakeVariant(value), nil
}

func (h *propsHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	byName, ok := h.specs[iface]
	if !ok {
		return nil, dbus.NewError(errUnknownIface, []interface{}{iface})
	}
	all := make(map[string]dbus.Variant, len(byName))
	for name, spec := range byName {
		value, err := spec.get()
		if err != nil {
			// A single failing property must not break GetAll.
			continue
		}
		all[name] = dbus.MakeVariant(value)
	}
	return all, nil
}

func (h *propsHandler) Set(iface, name string, value dbus.Variant) *dbus.Error {
	spec, ok := h.specs[iface][name]
	if !ok {
		return dbus.NewError(errUnknownProperty, []interface{}{name})
	}
	if spec.set == nil {
		return dbus.NewError(errPropReadOnly, []interface{}{name})
	}
	if err := spec.set(value); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}
