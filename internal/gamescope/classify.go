package gamescope

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"gamescoped/internal/watcher"
	"gamescoped/internal/x11"
)

const (
	// SocketPrefix matches compositor sockets in the user runtime dir.
	SocketPrefix = "gamescope-"
	lockSuffix   = ".lock"
)

// ClassifyDisplayEvent maps one X11 socket directory event to zero or
// one command. Names that are not X<digits> are silently ignored,
// malformed input is expected here, never an error.
func ClassifyDisplayEvent(ev watcher.Event) (Command, bool) {
	number, ok := x11.ParseDisplaySocketName(ev.Name)
	if !ok {
		return nil, false
	}
	display := ":" + strconv.Itoa(number)
	switch {
	case ev.Op.Has(fsnotify.Create):
		return XWaylandAdded{Display: display}, true
	case ev.Op.Has(fsnotify.Remove):
		return XWaylandRemoved{Display: display}, true
	default:
		return nil, false
	}
}

// ClassifyRuntimeEvent maps one runtime directory event to zero or one
// command. An entry matches iff it is <prefix><u16> with no lock suffix.
func ClassifyRuntimeEvent(ev watcher.Event) (Command, bool) {
	number, ok := ParseCompositorSocketName(ev.Name)
	if !ok {
		return nil, false
	}
	path := filepath.Join(ev.Dir, ev.Name)
	switch {
	case ev.Op.Has(fsnotify.Create):
		return WaylandAdded{Path: path, Number: number}, true
	case ev.Op.Has(fsnotify.Remove):
		return WaylandRemoved{Path: path, Number: number}, true
	default:
		return nil, false
	}
}

// ParseCompositorSocketName reports whether name is a compositor socket
// entry and extracts its numeric suffix.
func ParseCompositorSocketName(name string) (int, bool) {
	if !strings.HasPrefix(name, SocketPrefix) || strings.HasSuffix(name, lockSuffix) {
		return 0, false
	}
	suffix := name[len(SocketPrefix):]
	number, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, false
	}
	return int(number), true
}
