// Package gamescope owns instance discovery and lifecycle. All registry
// mutation flows through one command channel consumed by a single
// manager loop, so the instance maps never need locking.
package gamescope

import "time"

// Command is the closed set of registry mutations. Filesystem events are
// classified into commands before submission; nothing else writes
// registry state.
type Command interface{ isCommand() }

// XWaylandAdded reports a display socket appearing. The manager treats
// it as a hint and reconciles against the discoverer rather than
// trusting the event alone.
type XWaylandAdded struct {
	Display string
}

// XWaylandRemoved reports a display socket disappearing.
type XWaylandRemoved struct {
	Display string
}

// WaylandAdded reports a compositor socket appearing. Path is the full
// socket path and doubles as the instance id; Number is the numeric
// suffix used to derive the published path.
type WaylandAdded struct {
	Path   string
	Number int
}

// WaylandRemoved reports a compositor socket disappearing.
type WaylandRemoved struct {
	Path   string
	Number int
}

func (XWaylandAdded) isCommand()   {}
func (XWaylandRemoved) isCommand() {}
func (WaylandAdded) isCommand()    {}
func (WaylandRemoved) isCommand()  {}

// LifecycleEvent is published on the fan-out bus whenever the registry
// changes, for observers like the debug server.
type LifecycleEvent struct {
	Kind      string    `json:"kind"`
	Family    string    `json:"family,omitempty"`
	ID        string    `json:"id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventPublished = "published"
	EventRemoved   = "removed"
	EventReconcile = "reconcile"

	FamilyXWayland = "xwayland"
	FamilyWayland  = "wayland"
)
