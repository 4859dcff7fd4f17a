package wayland

import (
	"strconv"
	"sync"
	"time"

	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"
)

const (
	commandBuffer  = 64
	rpcBuffer      = 64
	defaultTimeout = 500 * time.Millisecond
)

// Messages exchanged between the blocking dispatch loop, the message
// loop, and callers. Commands flow in from callers; rpcs flow out of the
// dispatch loop.
type message interface{ isMessage() }

type commandTakeScreenshot struct {
	reply          chan error
	path           string
	screenshotType ScreenshotType
}

type rpcRegisterControl struct{ control Control }
type rpcRegisterInputMethodManager struct{ manager InputMethodManager }
type rpcFeatureSupport struct{ feature, version, flags uint32 }
type rpcScreenshotTaken struct{ path string }
type rpcTerminate struct{}

func (commandTakeScreenshot) isMessage()         {}
func (rpcRegisterControl) isMessage()            {}
func (rpcRegisterInputMethodManager) isMessage() {}
func (rpcFeatureSupport) isMessage()             {}
func (rpcScreenshotTaken) isMessage()            {}
func (rpcTerminate) isMessage()                  {}

type Options struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
	// Timeout bounds each request awaiting its compositor response.
	Timeout time.Duration
}

// Bridge exposes an asynchronous request/response façade over a blocking
// protocol client. One request is serviced at a time; capability objects
// discovered by the dispatch loop are shared behind a mutex whose
// critical sections never perform I/O.
type Bridge struct {
	client   Client
	commands chan message
	rpcs     chan message
	done     chan struct{}
	doneOnce sync.Once
	timeout  time.Duration
	logger   *logging.Logger
	registry *metrics.Registry

	mu                 sync.Mutex
	control            Control
	inputMethodManager InputMethodManager
}

// NewBridge performs the initial roundtrip (so capability globals
// advertised at connect time are registered before the first command)
// and starts the dispatch and message loops.
func NewBridge(client Client, options Options) (*Bridge, error) {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	bridge := &Bridge{
		client:   client,
		commands: make(chan message, commandBuffer),
		rpcs:     make(chan message, rpcBuffer),
		done:     make(chan struct{}),
		timeout:  timeout,
		logger:   logger.With(map[string]string{"component": "wayland"}),
		registry: registry,
	}

	sink := &dispatchSink{bridge: bridge}
	if err := client.Roundtrip(sink); err != nil {
		return nil, err
	}
	// Globals advertised during the roundtrip are queued on the rpc
	// channel. Apply them now so they are registered before the first
	// command can observe a missing capability.
	bridge.drainQueuedEvents()

	go bridge.dispatchLoop(sink)
	go bridge.messageLoop()
	return bridge, nil
}

func (bridge *Bridge) drainQueuedEvents() {
	for {
		select {
		case msg := <-bridge.rpcs:
			bridge.handleEvent(msg)
		default:
			return
		}
	}
}

// dispatchSink forwards protocol events from the blocking dispatch call
// into the rpc channel. It never touches bridge state directly.
type dispatchSink struct {
	bridge *Bridge
}

func (sink *dispatchSink) RegisterControl(control Control) {
	sink.push(rpcRegisterControl{control: control})
}

func (sink *dispatchSink) RegisterInputMethodManager(manager InputMethodManager) {
	sink.push(rpcRegisterInputMethodManager{manager: manager})
}

func (sink *dispatchSink) FeatureSupport(feature, version, flags uint32) {
	sink.push(rpcFeatureSupport{feature: feature, version: version, flags: flags})
}

func (sink *dispatchSink) ScreenshotTaken(path string) {
	sink.push(rpcScreenshotTaken{path: path})
}

func (sink *dispatchSink) push(msg message) {
	select {
	case sink.bridge.rpcs <- msg:
	case <-sink.bridge.done:
	}
}

func (bridge *Bridge) dispatchLoop(sink *dispatchSink) {
	for {
		if err := bridge.client.Dispatch(sink); err != nil {
			select {
			case <-bridge.done:
			default:
				bridge.logger.Error("dispatch failed, terminating", map[string]string{
					"error": err.Error(),
				})
			}
			select {
			case bridge.rpcs <- rpcTerminate{}:
			case <-bridge.done:
			}
			return
		}
	}
}

// messageLoop is the only consumer of commands and rpcs. Processing is
// strictly sequential, which gives the one-pending-request guarantee.
func (bridge *Bridge) messageLoop() {
	for {
		var msg message
		select {
		case msg = <-bridge.rpcs:
		case msg = <-bridge.commands:
		case <-bridge.done:
			bridge.failPending()
			return
		}

		if terminated := bridge.handleEvent(msg); terminated {
			return
		}
	}
}

func (bridge *Bridge) handleEvent(msg message) bool {
	switch typed := msg.(type) {
	case rpcRegisterControl:
		bridge.mu.Lock()
		bridge.control = typed.control
		bridge.mu.Unlock()
		bridge.logger.Debug("control capability registered", nil)
	case rpcRegisterInputMethodManager:
		bridge.mu.Lock()
		bridge.inputMethodManager = typed.manager
		bridge.mu.Unlock()
		bridge.logger.Debug("input method manager registered", nil)
	case rpcFeatureSupport:
		bridge.logger.Debug("feature support", map[string]string{
			"feature": uitoa(typed.feature),
			"version": uitoa(typed.version),
			"flags":   uitoa(typed.flags),
		})
	case rpcScreenshotTaken:
		bridge.logger.Info("screenshot taken", map[string]string{
			"path": typed.path,
		})
	case rpcTerminate:
		bridge.shutdown()
		bridge.failPending()
		return true
	case commandTakeScreenshot:
		typed.reply <- bridge.takeScreenshot(typed.path, typed.screenshotType)
	}
	return false
}

func (bridge *Bridge) takeScreenshot(path string, screenshotType ScreenshotType) error {
	bridge.mu.Lock()
	control := bridge.control
	bridge.mu.Unlock()
	if control == nil {
		return ErrControlUnavailable
	}

	control.TakeScreenshot(path, screenshotType, ScreenshotFlagDummy)
	if err := bridge.client.Flush(); err != nil {
		bridge.logger.Error("flush after screenshot request failed", map[string]string{
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// failPending answers every queued command so no caller hangs after the
// bridge stops accepting work.
func (bridge *Bridge) failPending() {
	for {
		select {
		case msg := <-bridge.commands:
			if cmd, ok := msg.(commandTakeScreenshot); ok {
				cmd.reply <- ErrTerminated
			}
		default:
			return
		}
	}
}

// TakeScreenshot submits a screenshot request and waits for its
// correlated response. The capability check happens before enqueueing so
// a request made before discovery fails immediately.
func (bridge *Bridge) TakeScreenshot(path string, screenshotType ScreenshotType) error {
	if bridge == nil {
		return ErrTerminated
	}
	bridge.registry.IncScreenshotRequest()

	select {
	case <-bridge.done:
		bridge.registry.IncScreenshotFailure()
		return ErrTerminated
	default:
	}

	bridge.mu.Lock()
	control := bridge.control
	bridge.mu.Unlock()
	if control == nil {
		bridge.registry.IncScreenshotFailure()
		return ErrControlUnavailable
	}

	reply := make(chan error, 1)
	cmd := commandTakeScreenshot{reply: reply, path: path, screenshotType: screenshotType}
	select {
	case bridge.commands <- cmd:
	default:
		bridge.registry.IncScreenshotFailure()
		return ErrSaturated
	}

	select {
	case err := <-reply:
		if err != nil {
			bridge.registry.IncScreenshotFailure()
		}
		return err
	case <-time.After(bridge.timeout):
		// The dispatch loop is not interrupted; it keeps running with no
		// assumption of this request ever being answered.
		bridge.registry.IncScreenshotFailure()
		return ErrTimeout
	case <-bridge.done:
		bridge.registry.IncScreenshotFailure()
		return ErrTerminated
	}
}

// Terminate stops the bridge and closes the protocol connection. Safe to
// call more than once.
func (bridge *Bridge) Terminate() {
	if bridge == nil {
		return
	}
	bridge.shutdown()
}

func (bridge *Bridge) shutdown() {
	bridge.doneOnce.Do(func() {
		close(bridge.done)
		if err := bridge.client.Close(); err != nil {
			bridge.logger.Debug("close connection", map[string]string{
				"error": err.Error(),
			})
		}
	})
}

func uitoa(value uint32) string {
	return strconv.FormatUint(uint64(value), 10)
}
