package dbusobj

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"gamescoped/internal/logging"
)

// The compositor publishes frame statistics on a POSIX message queue
// shared with the mangoapp overlay.
const (
	mangoQueueName = "/mangoapp"
	mangoBufSize   = 8192
)

// FrameSample is one decoded frame-statistics message.
type FrameSample struct {
	PID                uint32
	AppFrametimeNs     uint64
	FSRUpscale         uint8
	FSRSharpness       uint8
	VisibleFrametimeNs uint64
	LatencyNs          uint64
	OutputWidth        uint32
	OutputHeight       uint32
	DisplayRefresh     uint16
	AppWantsHDR        bool
	OverlayFocused     bool
}

// FrameQueue is a blocking source of frame samples.
type FrameQueue interface {
	Receive() (FrameSample, error)
	Close() error
}

// QueueOpener lets tests substitute the real message queue.
type QueueOpener func() (FrameQueue, error)

// MangoQueue reads the compositor's message queue. The mq syscalls are
// not wrapped by the unix package, so they are issued directly.
type MangoQueue struct {
	fd int
}

func OpenMangoQueue() (FrameQueue, error) {
	name, err := unix.BytePtrFromString(mangoQueueName)
	if err != nil {
		return nil, err
	}
	fd, _, errno := unix.Syscall(unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(name)), uintptr(unix.O_RDONLY|unix.O_CLOEXEC), 0)
	if errno != 0 {
		return nil, fmt.Errorf("open message queue %s: %w", mangoQueueName, errno)
	}
	return &MangoQueue{fd: int(fd)}, nil
}

// Receive blocks until one message arrives.
func (q *MangoQueue) Receive() (FrameSample, error) {
	buf := make([]byte, mangoBufSize)
	n, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDRECEIVE,
		uintptr(q.fd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0, 0, 0)
	if errno != 0 {
		return FrameSample{}, fmt.Errorf("read message queue: %w", errno)
	}
	return decodeFrameSample(buf[:n])
}

func (q *MangoQueue) Close() error {
	return unix.Close(q.fd)
}

// decodeFrameSample parses the v1 message layout: an 8-byte message
// type, a version word, then the naturally aligned statistics fields.
func decodeFrameSample(body []byte) (FrameSample, error) {
	if len(body) < 60 {
		return FrameSample{}, fmt.Errorf("frame message too short: %d bytes", len(body))
	}
	version := binary.LittleEndian.Uint32(body[8:])
	if version < 1 {
		return FrameSample{}, fmt.Errorf("unsupported frame message version %d", version)
	}
	return FrameSample{
		PID:                binary.LittleEndian.Uint32(body[12:]),
		AppFrametimeNs:     binary.LittleEndian.Uint64(body[16:]),
		FSRUpscale:         body[24],
		FSRSharpness:       body[25],
		VisibleFrametimeNs: binary.LittleEndian.Uint64(body[32:]),
		LatencyNs:          binary.LittleEndian.Uint64(body[40:]),
		OutputWidth:        binary.LittleEndian.Uint32(body[48:]),
		OutputHeight:       binary.LittleEndian.Uint32(body[52:]),
		DisplayRefresh:     binary.LittleEndian.Uint16(body[56:]),
		AppWantsHDR:        body[58] != 0,
		OverlayFocused:     body[59] != 0,
	}, nil
}

// frameReader drains the blocking queue on a dedicated goroutine. Reads
// happen only when pumped, frequent polling interferes with the
// overlay's own statistics.
type frameReader struct {
	queue  FrameQueue
	pump   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *logging.Logger

	mu         sync.Mutex
	latest     FrameSample
	present    bool
	lastUpdate time.Time
}

func newFrameReader(queue FrameQueue, logger *logging.Logger) *frameReader {
	reader := &frameReader{
		queue:  queue,
		pump:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go reader.run()
	return reader
}

func (r *frameReader) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.pump:
		}

		sample, err := r.queue.Receive()
		r.mu.Lock()
		if err != nil {
			// Absent statistics are normal when no game runs.
			r.present = false
			r.logger.Debug("frame queue read failed", map[string]string{
				"error": err.Error(),
			})
		} else {
			r.latest = sample
			r.present = true
		}
		r.lastUpdate = time.Now()
		r.mu.Unlock()
	}
}

// requestUpdate coalesces concurrent pumps into one pending read.
func (r *frameReader) requestUpdate() {
	select {
	case r.pump <- struct{}{}:
	default:
	}
}

func (r *frameReader) snapshot() (FrameSample, bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.present, r.lastUpdate
}

func (r *frameReader) stop() {
	r.once.Do(func() {
		close(r.done)
		r.queue.Close()
	})
}

// metricsObject exposes the latest frame statistics alongside the
// wayland object. Update pumps one queue read; properties report the
// last stored sample, zero values when none is present.
type metricsObject struct {
	reader *frameReader
}

func (o *metricsObject) Update() *dbus.Error {
	o.reader.requestUpdate()
	return nil
}

func (o *metricsObject) properties(handler *propsHandler) {
	sample := func(read func(FrameSample) interface{}) propSpec {
		return propSpec{
			get: func() (interface{}, error) {
				latest, present, _ := o.reader.snapshot()
				if !present {
					latest = FrameSample{}
				}
				return read(latest), nil
			},
		}
	}

	handler.add(IfaceMetrics, "LastUpdateTime", propSpec{
		get: func() (interface{}, error) {
			_, _, lastUpdate := o.reader.snapshot()
			if lastUpdate.IsZero() {
				return uint64(0), nil
			}
			return uint64(lastUpdate.UnixMilli()), nil
		},
	})
	handler.add(IfaceMetrics, "Pid", sample(func(s FrameSample) interface{} { return s.PID }))
	handler.add(IfaceMetrics, "AppFrametimeNs", sample(func(s FrameSample) interface{} { return s.AppFrametimeNs }))
	handler.add(IfaceMetrics, "FsrUpscale", sample(func(s FrameSample) interface{} { return s.FSRUpscale }))
	handler.add(IfaceMetrics, "FsrSharpness", sample(func(s FrameSample) interface{} { return s.FSRSharpness }))
	handler.add(IfaceMetrics, "VisibleFrametimeNs", sample(func(s FrameSample) interface{} { return s.VisibleFrametimeNs }))
	handler.add(IfaceMetrics, "LatencyNs", sample(func(s FrameSample) interface{} { return s.LatencyNs }))
	handler.add(IfaceMetrics, "OutputWidth", sample(func(s FrameSample) interface{} { return s.OutputWidth }))
	handler.add(IfaceMetrics, "OutputHeight", sample(func(s FrameSample) interface{} { return s.OutputHeight }))
	handler.add(IfaceMetrics, "DisplayRefresh", sample(func(s FrameSample) interface{} { return s.DisplayRefresh }))
	handler.add(IfaceMetrics, "AppWantsHdr", sample(func(s FrameSample) interface{} { return s.AppWantsHDR }))
	handler.add(IfaceMetrics, "OverlayFocused", sample(func(s FrameSample) interface{} { return s.OverlayFocused }))
}
