package x11

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// SocketDiscoverer enumerates live X11 display sockets in a directory,
// typically /tmp/.X11-unix. Entries are named X<display-number>.
type SocketDiscoverer struct {
	Dir string
}

// Discover returns display names (":0", ":1", ...) sorted by display
// number. Socket presence is authoritative for liveness; whether the
// server behind a socket is ready is decided later, at connect time.
func (d SocketDiscoverer) Discover() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, err
	}

	numbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		number, ok := ParseDisplaySocketName(entry.Name())
		if !ok {
			continue
		}
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)

	displays := make([]string, 0, len(numbers))
	for _, number := range numbers {
		displays = append(displays, ":"+strconv.Itoa(number))
	}
	return displays, nil
}

// ParseDisplayName matches display names of the form :<digits>.
func ParseDisplayName(display string) (int, bool) {
	if !strings.HasPrefix(display, ":") || len(display) < 2 {
		return 0, false
	}
	number, err := strconv.ParseUint(display[1:], 10, 32)
	if err != nil {
		return 0, false
	}
	return int(number), true
}

// ParseDisplaySocketName matches entry names of the form X<digits>.
func ParseDisplaySocketName(name string) (int, bool) {
	if !strings.HasPrefix(name, "X") || len(name) < 2 {
		return 0, false
	}
	number, err := strconv.ParseUint(name[1:], 10, 32)
	if err != nil {
		return 0, false
	}
	return int(number), true
}
