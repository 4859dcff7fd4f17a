package x11

import (
	"fmt"
	"sync"

	"gamescoped/internal/logging"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// Root-window properties gamescope maintains on its nested X server.
const (
	atomServerMarker   = "GAMESCOPE_XWAYLAND_SERVER"
	atomFocusedWindow  = "GAMESCOPE_FOCUSED_WINDOW"
	atomFocusedApp     = "GAMESCOPE_FOCUSED_APP"
	atomFocusableApps  = "GAMESCOPE_FOCUSABLE_APPS"
	atomBaselayerAppID = "GAMESCOPECTRL_BASELAYER_APPID"
	atomAllowTearing   = "GAMESCOPE_ALLOW_TEARING"
	atomBlurMode       = "GAMESCOPE_BLUR_MODE"
	atomBlurRadius     = "GAMESCOPE_BLUR_RADIUS"
	atomFSRSharpness   = "GAMESCOPE_FSR_SHARPNESS"
	atomFrameLimit     = "GAMESCOPE_FPS_LIMIT"
)

const changeBuffer = 64

// SocketClient implements Client over an X11 display socket using xgb.
type SocketClient struct {
	display string
	logger  *logging.Logger

	mu        sync.Mutex
	conn      *xgb.Conn
	root      xproto.Window
	connected bool
	atoms     map[string]xproto.Atom
	atomNames map[xproto.Atom]string
	watched   map[uint32]struct{}

	changes chan PropertyChange
}

// NewSocketClient returns a disconnected client for the given display
// name (":0", ":1", ...).
func NewSocketClient(display string, logger *logging.Logger) *SocketClient {
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	return &SocketClient{
		display:   display,
		logger:    logger.With(map[string]string{"component": "x11", "display": display}),
		atoms:     make(map[string]xproto.Atom),
		atomNames: make(map[xproto.Atom]string),
		watched:   make(map[uint32]struct{}),
		changes:   make(chan PropertyChange, changeBuffer),
	}
}

func (client *SocketClient) Connect() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.connected {
		return nil
	}

	conn, err := xgb.NewConnDisplay(client.display)
	if err != nil {
		return fmt.Errorf("connect display %s: %w", client.display, err)
	}
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)
	if screen == nil {
		conn.Close()
		return fmt.Errorf("display %s reports no screens", client.display)
	}

	client.conn = conn
	client.root = screen.Root
	client.connected = true
	client.atoms = make(map[string]xproto.Atom)
	client.atomNames = make(map[xproto.Atom]string)
	go client.readEvents(conn)
	return nil
}

func (client *SocketClient) Connected() bool {
	if client == nil {
		return false
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.connected
}

func (client *SocketClient) DisplayName() string {
	if client == nil {
		return ""
	}
	return client.display
}

func (client *SocketClient) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.connected {
		return nil
	}
	client.connected = false
	client.conn.Close()
	return nil
}

// readEvents drains the connection until it dies, forwarding property
// notifications for watched windows. Exits on connection loss; health
// checking and reconnect are the Reconnecting wrapper's job.
func (client *SocketClient) readEvents(conn *xgb.Conn) {
	for {
		ev, xerr := conn.WaitForEvent()
		if ev == nil && xerr == nil {
			client.mu.Lock()
			if client.conn == conn {
				client.connected = false
			}
			client.mu.Unlock()
			client.logger.Debug("event stream closed", nil)
			return
		}
		if xerr != nil {
			client.logger.Debug("x11 protocol error", map[string]string{"error": xerr.Error()})
			continue
		}
		notify, ok := ev.(xproto.PropertyNotifyEvent)
		if !ok {
			continue
		}

		client.mu.Lock()
		_, watched := client.watched[uint32(notify.Window)]
		client.mu.Unlock()
		if !watched {
			continue
		}

		name, err := client.atomName(notify.Atom)
		if err != nil {
			name = fmt.Sprintf("atom-%d", notify.Atom)
		}
		select {
		case client.changes <- PropertyChange{Window: uint32(notify.Window), Property: name}:
		default:
			client.logger.Debug("change channel full, dropping notification", map[string]string{"property": name})
		}
	}
}

func (client *SocketClient) Changes() <-chan PropertyChange {
	if client == nil {
		return nil
	}
	return client.changes
}

func (client *SocketClient) IsPrimary() (bool, error) {
	// The primary instance is the one whose root window carries the
	// focused-app property gamescope only maintains on its main server.
	_, err := client.rootCardinal(atomFocusedApp)
	if err == ErrNoProperty {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (client *SocketClient) RootWindow() (uint32, error) {
	_, root, err := client.snapshot()
	if err != nil {
		return 0, err
	}
	return uint32(root), nil
}

func (client *SocketClient) WindowChildren(window uint32) ([]uint32, error) {
	conn, _, err := client.snapshot()
	if err != nil {
		return nil, err
	}
	reply, err := xproto.QueryTree(conn, xproto.Window(window)).Reply()
	if err != nil {
		return nil, client.fail(err)
	}
	children := make([]uint32, 0, len(reply.Children))
	for _, child := range reply.Children {
		children = append(children, uint32(child))
	}
	return children, nil
}

func (client *SocketClient) WindowName(window uint32) (string, error) {
	conn, _, err := client.snapshot()
	if err != nil {
		return "", err
	}
	atom, err := client.atom("WM_NAME")
	if err != nil {
		return "", err
	}
	reply, err := xproto.GetProperty(conn, false, xproto.Window(window), atom, xproto.GetPropertyTypeAny, 0, 256).Reply()
	if err != nil {
		return "", client.fail(err)
	}
	return string(reply.Value), nil
}

func (client *SocketClient) WindowGeometry(window uint32) (Geometry, error) {
	conn, _, err := client.snapshot()
	if err != nil {
		return Geometry{}, err
	}
	reply, err := xproto.GetGeometry(conn, xproto.Drawable(window)).Reply()
	if err != nil {
		return Geometry{}, client.fail(err)
	}
	return Geometry{X: reply.X, Y: reply.Y, Width: reply.Width, Height: reply.Height}, nil
}

func (client *SocketClient) FocusedWindow() (uint32, error) {
	return client.rootCardinal(atomFocusedWindow)
}

func (client *SocketClient) FocusableApps() ([]uint32, error) {
	return client.rootCardinalList(atomFocusableApps)
}

func (client *SocketClient) BaselayerAppID() (uint32, error) {
	return client.rootCardinal(atomBaselayerAppID)
}

func (client *SocketClient) SetBaselayerAppID(appID uint32) error {
	return client.setRootCardinal(atomBaselayerAppID, appID)
}

func (client *SocketClient) AllowTearing() (bool, error) {
	value, err := client.rootCardinal(atomAllowTearing)
	if err != nil {
		return false, err
	}
	return value != 0, nil
}

func (client *SocketClient) SetAllowTearing(allow bool) error {
	var value uint32
	if allow {
		value = 1
	}
	return client.setRootCardinal(atomAllowTearing, value)
}

func (client *SocketClient) BlurMode() (uint32, error) {
	return client.rootCardinal(atomBlurMode)
}

func (client *SocketClient) SetBlurMode(mode uint32) error {
	return client.setRootCardinal(atomBlurMode, mode)
}

func (client *SocketClient) BlurRadius() (uint32, error) {
	return client.rootCardinal(atomBlurRadius)
}

func (client *SocketClient) SetBlurRadius(radius uint32) error {
	return client.setRootCardinal(atomBlurRadius, radius)
}

func (client *SocketClient) FSRSharpness() (uint32, error) {
	return client.rootCardinal(atomFSRSharpness)
}

func (client *SocketClient) SetFSRSharpness(sharpness uint32) error {
	return client.setRootCardinal(atomFSRSharpness, sharpness)
}

func (client *SocketClient) FrameLimit() (uint32, error) {
	return client.rootCardinal(atomFrameLimit)
}

func (client *SocketClient) SetFrameLimit(limit uint32) error {
	return client.setRootCardinal(atomFrameLimit, limit)
}

func (client *SocketClient) WatchWindow(window uint32) error {
	conn, _, err := client.snapshot()
	if err != nil {
		return err
	}
	err = xproto.ChangeWindowAttributesChecked(conn, xproto.Window(window), xproto.CwEventMask,
		[]uint32{xproto.EventMaskPropertyChange}).Check()
	if err != nil {
		return client.fail(err)
	}
	client.mu.Lock()
	client.watched[window] = struct{}{}
	client.mu.Unlock()
	return nil
}

func (client *SocketClient) UnwatchWindow(window uint32) error {
	conn, _, err := client.snapshot()
	if err != nil {
		return err
	}
	err = xproto.ChangeWindowAttributesChecked(conn, xproto.Window(window), xproto.CwEventMask,
		[]uint32{xproto.EventMaskNoEvent}).Check()
	if err != nil {
		return client.fail(err)
	}
	client.mu.Lock()
	delete(client.watched, window)
	client.mu.Unlock()
	return nil
}

func (client *SocketClient) WatchedWindows() []uint32 {
	client.mu.Lock()
	defer client.mu.Unlock()
	windows := make([]uint32, 0, len(client.watched))
	for window := range client.watched {
		windows = append(windows, window)
	}
	return windows
}

// VerifyGamescope reports whether the connected display is a gamescope
// nested server, judged by the server marker on the root window.
func (client *SocketClient) VerifyGamescope() bool {
	_, err := client.rootCardinal(atomServerMarker)
	return err == nil
}

func (client *SocketClient) snapshot() (*xgb.Conn, xproto.Window, error) {
	if client == nil {
		return nil, 0, ErrNotConnected
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.connected {
		return nil, 0, ErrNotConnected
	}
	return client.conn, client.root, nil
}

// fail downgrades the connection on transport errors so health checks
// observe the loss.
func (client *SocketClient) fail(err error) error {
	if _, ok := err.(xgb.Error); ok {
		// Protocol-level error; connection is still alive.
		return err
	}
	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrNotConnected, err)
}

func (client *SocketClient) atom(name string) (xproto.Atom, error) {
	client.mu.Lock()
	if atom, ok := client.atoms[name]; ok {
		client.mu.Unlock()
		return atom, nil
	}
	conn := client.conn
	connected := client.connected
	client.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, client.fail(err)
	}
	client.mu.Lock()
	client.atoms[name] = reply.Atom
	client.atomNames[reply.Atom] = name
	client.mu.Unlock()
	return reply.Atom, nil
}

func (client *SocketClient) atomName(atom xproto.Atom) (string, error) {
	client.mu.Lock()
	if name, ok := client.atomNames[atom]; ok {
		client.mu.Unlock()
		return name, nil
	}
	conn := client.conn
	connected := client.connected
	client.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}

	reply, err := xproto.GetAtomName(conn, atom).Reply()
	if err != nil {
		return "", client.fail(err)
	}
	client.mu.Lock()
	client.atomNames[atom] = reply.Name
	client.atoms[reply.Name] = atom
	client.mu.Unlock()
	return reply.Name, nil
}

func (client *SocketClient) rootCardinal(property string) (uint32, error) {
	values, err := client.rootCardinalList(property)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, ErrNoProperty
	}
	return values[0], nil
}

func (client *SocketClient) rootCardinalList(property string) ([]uint32, error) {
	conn, root, err := client.snapshot()
	if err != nil {
		return nil, err
	}
	atom, err := client.atom(property)
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(conn, false, root, atom, xproto.GetPropertyTypeAny, 0, 1024).Reply()
	if err != nil {
		return nil, client.fail(err)
	}
	if reply.Format != 32 || len(reply.Value) < 4 {
		return nil, ErrNoProperty
	}
	values := make([]uint32, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		values = append(values, xgb.Get32(reply.Value[i:]))
	}
	return values, nil
}

func (client *SocketClient) setRootCardinal(property string, value uint32) error {
	conn, root, err := client.snapshot()
	if err != nil {
		return err
	}
	atom, err := client.atom(property)
	if err != nil {
		return err
	}
	data := make([]byte, 4)
	xgb.Put32(data, value)
	err = xproto.ChangePropertyChecked(conn, xproto.PropModeReplace, root, atom,
		xproto.AtomCardinal, 32, 1, data).Check()
	if err != nil {
		return client.fail(err)
	}
	return nil
}
