package watcher

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gamescoped/internal/logging"
	"gamescoped/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// Event is a single observed change to an entry of a watched directory.
type Event struct {
	// Dir is the watched directory the event came from.
	Dir string
	// Name is the entry name inside Dir, without any path prefix.
	Name string
	Op   fsnotify.Op
	// Timestamp is when the event was observed, not when it occurred.
	Timestamp time.Time
}

// Options controls a directory watch.
type Options struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
	// ErrorHandler is invoked once when the watch loop dies on a read
	// error. The loop does not restart: a half-broken watch cannot be
	// trusted to report further changes.
	ErrorHandler func(error)
}

// DirWatcher owns one watch on one directory and the goroutine draining
// it. Events are delivered in observation order to the sink passed at
// construction.
type DirWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	sink    chan<- Event
	done    chan struct{}
	once    sync.Once

	logger       *logging.Logger
	registry     *metrics.Registry
	errorHandler func(error)

	eventsDelivered atomic.Uint64
	errorCount      atomic.Uint64
}

// WatchDir installs a create/remove/write watch on dir and starts the
// drain goroutine. Failure to install the watch is returned to the caller
// and is fatal at startup.
func WatchDir(dir string, sink chan<- Event, options Options) (*DirWatcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := source.Add(dir); err != nil {
		_ = source.Close()
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	instance := &DirWatcher{
		dir:          dir,
		watcher:      source,
		sink:         sink,
		done:         make(chan struct{}),
		logger:       logger.With(map[string]string{"component": "watcher", "dir": dir}),
		registry:     registry,
		errorHandler: options.ErrorHandler,
	}
	go instance.run()
	return instance, nil
}

func (watcher *DirWatcher) Close() error {
	if watcher == nil {
		return nil
	}
	var err error
	watcher.once.Do(func() {
		close(watcher.done)
		err = watcher.watcher.Close()
	})
	return err
}

// Metrics reports delivery stats for this watch.
func (watcher *DirWatcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	return Metrics{
		EventsDelivered: watcher.eventsDelivered.Load(),
		Errors:          watcher.errorCount.Load(),
	}
}

type Metrics struct {
	EventsDelivered uint64
	Errors          uint64
}

func (watcher *DirWatcher) run() {
	for {
		select {
		case raw, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			watcher.forward(raw)
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.fail(err)
			return
		case <-watcher.done:
			return
		}
	}
}

func (watcher *DirWatcher) forward(raw fsnotify.Event) {
	if !raw.Has(fsnotify.Create) && !raw.Has(fsnotify.Remove) && !raw.Has(fsnotify.Write) {
		return
	}
	event := Event{
		Dir:       watcher.dir,
		Name:      filepath.Base(raw.Name),
		Op:        raw.Op,
		Timestamp: time.Now().UTC(),
	}
	watcher.logger.Debug("filesystem event", map[string]string{
		"name": event.Name,
		"op":   raw.Op.String(),
	})
	select {
	case watcher.sink <- event:
		watcher.eventsDelivered.Add(1)
		watcher.registry.IncWatchEvent()
	case <-watcher.done:
	}
}

func (watcher *DirWatcher) fail(err error) {
	watcher.errorCount.Add(1)
	watcher.registry.IncWatchError()
	watcher.logger.Error("watch read failed, stopping watch", map[string]string{
		"error": err.Error(),
	})
	if watcher.errorHandler != nil {
		watcher.errorHandler(err)
	}
}
