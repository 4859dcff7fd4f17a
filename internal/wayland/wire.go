package wayland

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Object ids and opcodes for the small protocol surface the daemon
// speaks: the display and registry core plus the compositor's control
// and input-method globals.
const (
	displayObjectID = 1

	displayRequestSync        = 0
	displayRequestGetRegistry = 1
	displayEventError         = 0
	displayEventDeleteID      = 1

	registryRequestBind      = 0
	registryEventGlobal      = 0
	registryEventGlobalGone  = 1
	callbackEventDone        = 0
	controlRequestScreenshot = 1
	controlEventFeature      = 0
	controlEventScreenshot   = 1

	interfaceControl            = "gamescope_control"
	interfaceInputMethodManager = "gamescope_input_method_manager"
)

// WireClient implements Client over a compositor socket. Requests queue
// locally and reach the socket on Flush, so a request plus its flush
// mirror the queue-then-flush shape of the protocol.
type WireClient struct {
	conn   net.Conn
	reader *bufio.Reader

	mu       sync.Mutex
	pending  []byte
	nextID   uint32
	registry uint32

	objects objectTable
}

// objectTable tracks which client-side id maps to which bound global.
// Only the read loop mutates it, after Roundtrip only the dispatch
// goroutine reads messages, so no lock is needed.
type objectTable struct {
	control            uint32
	inputMethodManager uint32
	callbacks          map[uint32]bool
}

// DialWire connects to the compositor socket and announces interest in
// the registry.
func DialWire(socketPath string) (*WireClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect compositor socket %s: %w", socketPath, err)
	}
	client := &WireClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		nextID: 2,
		objects: objectTable{
			callbacks: make(map[uint32]bool),
		},
	}

	client.registry = client.allocate()
	client.queue(displayObjectID, displayRequestGetRegistry, argUint(client.registry))
	if err := client.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// Roundtrip blocks until the compositor has processed everything sent so
// far, dispatching any events that arrive in the meantime.
func (client *WireClient) Roundtrip(handler EventHandler) error {
	callback := client.allocate()
	client.mu.Lock()
	client.objects.callbacks[callback] = true
	client.mu.Unlock()

	client.queue(displayObjectID, displayRequestSync, argUint(callback))
	if err := client.Flush(); err != nil {
		return err
	}

	for {
		done, err := client.readMessage(handler, callback)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Dispatch blocks until one message is read and handled.
func (client *WireClient) Dispatch(handler EventHandler) error {
	_, err := client.readMessage(handler, 0)
	return err
}

func (client *WireClient) Flush() error {
	client.mu.Lock()
	payload := client.pending
	client.pending = nil
	client.mu.Unlock()
	if len(payload) == 0 {
		return nil
	}
	if _, err := client.conn.Write(payload); err != nil {
		return fmt.Errorf("write compositor socket: %w", err)
	}
	return nil
}

func (client *WireClient) Close() error {
	return client.conn.Close()
}

func (client *WireClient) allocate() uint32 {
	client.mu.Lock()
	defer client.mu.Unlock()
	id := client.nextID
	client.nextID++
	return id
}

func (client *WireClient) queue(object uint32, opcode uint16, args ...[]byte) {
	size := 8
	for _, arg := range args {
		size += len(arg)
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:], object)
	binary.LittleEndian.PutUint32(header[4:], uint32(size)<<16|uint32(opcode))

	client.mu.Lock()
	client.pending = append(client.pending, header...)
	for _, arg := range args {
		client.pending = append(client.pending, arg...)
	}
	client.mu.Unlock()
}

// readMessage reads and routes one message. When waitFor is a callback
// id, it reports whether that callback's done event arrived.
func (client *WireClient) readMessage(handler EventHandler, waitFor uint32) (bool, error) {
	var header [8]byte
	if _, err := io.ReadFull(client.reader, header[:]); err != nil {
		return false, fmt.Errorf("read compositor socket: %w", err)
	}
	object := binary.LittleEndian.Uint32(header[0:])
	word := binary.LittleEndian.Uint32(header[4:])
	size := int(word >> 16)
	opcode := uint16(word & 0xffff)
	if size < 8 {
		return false, fmt.Errorf("malformed message: size %d", size)
	}
	body := make([]byte, size-8)
	if _, err := io.ReadFull(client.reader, body); err != nil {
		return false, fmt.Errorf("read compositor socket: %w", err)
	}

	switch {
	case object == displayObjectID && opcode == displayEventError:
		return false, decodeDisplayError(body)
	case object == displayObjectID && opcode == displayEventDeleteID:
		return false, nil
	case object == client.registry && opcode == registryEventGlobal:
		client.handleGlobal(handler, body)
		return false, nil
	case object == client.registry && opcode == registryEventGlobalGone:
		return false, nil
	case client.isCallback(object) && opcode == callbackEventDone:
		client.dropCallback(object)
		return object == waitFor, nil
	case object == client.objects.control && opcode == controlEventFeature:
		if len(body) >= 12 {
			handler.FeatureSupport(
				binary.LittleEndian.Uint32(body[0:]),
				binary.LittleEndian.Uint32(body[4:]),
				binary.LittleEndian.Uint32(body[8:]))
		}
		return false, nil
	case object == client.objects.control && opcode == controlEventScreenshot:
		if path, _, ok := decodeString(body); ok {
			handler.ScreenshotTaken(path)
		}
		return false, nil
	default:
		return false, nil
	}
}

func (client *WireClient) isCallback(object uint32) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.objects.callbacks[object]
}

func (client *WireClient) dropCallback(object uint32) {
	client.mu.Lock()
	delete(client.objects.callbacks, object)
	client.mu.Unlock()
}

func (client *WireClient) handleGlobal(handler EventHandler, body []byte) {
	if len(body) < 4 {
		return
	}
	name := binary.LittleEndian.Uint32(body[0:])
	iface, rest, ok := decodeString(body[4:])
	if !ok || len(rest) < 4 {
		return
	}
	version := binary.LittleEndian.Uint32(rest[0:])

	switch iface {
	case interfaceControl:
		id := client.allocate()
		client.bind(name, iface, version, id)
		client.objects.control = id
		handler.RegisterControl(&wireControl{client: client, id: id})
	case interfaceInputMethodManager:
		id := client.allocate()
		client.bind(name, iface, version, id)
		client.objects.inputMethodManager = id
		handler.RegisterInputMethodManager(struct{}{})
	}
}

func (client *WireClient) bind(name uint32, iface string, version, id uint32) {
	client.queue(client.registry, registryRequestBind,
		argUint(name), argString(iface), argUint(version), argUint(id))
	// A broken connection surfaces on the next read.
	_ = client.Flush()
}

// wireControl is the bound control capability. Requests queue on the
// owning client; the bridge flushes after submitting.
type wireControl struct {
	client *WireClient
	id     uint32
}

func (control *wireControl) TakeScreenshot(path string, screenshotType ScreenshotType, flags ScreenshotFlags) {
	control.client.queue(control.id, controlRequestScreenshot,
		argString(path), argUint(uint32(screenshotType)), argUint(uint32(flags)))
}

func decodeDisplayError(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("compositor protocol error")
	}
	object := binary.LittleEndian.Uint32(body[0:])
	code := binary.LittleEndian.Uint32(body[4:])
	message, _, _ := decodeString(body[8:])
	return fmt.Errorf("compositor protocol error on object %d (code %d): %s", object, code, message)
}

func argUint(value uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return buf
}

// argString encodes a wayland string: length including the terminating
// NUL, the bytes, then padding to a 4-byte boundary.
func argString(value string) []byte {
	length := len(value) + 1
	padded := (length + 3) &^ 3
	buf := make([]byte, 4+padded)
	binary.LittleEndian.PutUint32(buf, uint32(length))
	copy(buf[4:], value)
	return buf
}

func decodeString(body []byte) (string, []byte, bool) {
	if len(body) < 4 {
		return "", nil, false
	}
	length := int(binary.LittleEndian.Uint32(body[0:]))
	if length == 0 {
		return "", body[4:], true
	}
	padded := (length + 3) &^ 3
	if len(body) < 4+padded {
		return "", nil, false
	}
	return string(body[4 : 4+length-1]), body[4+padded:], true
}
