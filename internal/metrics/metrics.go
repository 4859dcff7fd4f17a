package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Registry collects daemon counters. The zero value is usable.
type Registry struct {
	watchEvents        atomic.Int64
	watchErrors        atomic.Int64
	commandsProcessed  atomic.Int64
	reconcilePasses    atomic.Int64
	instancesPublished atomic.Int64
	instancesRemoved   atomic.Int64
	screenshotRequests atomic.Int64
	screenshotFailures atomic.Int64
	reconnectAttempts  atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncWatchEvent() {
	if r == nil {
		return
	}
	r.watchEvents.Add(1)
}

func (r *Registry) IncWatchError() {
	if r == nil {
		return
	}
	r.watchErrors.Add(1)
}

func (r *Registry) IncCommandProcessed() {
	if r == nil {
		return
	}
	r.commandsProcessed.Add(1)
}

func (r *Registry) IncReconcilePass() {
	if r == nil {
		return
	}
	r.reconcilePasses.Add(1)
}

func (r *Registry) IncInstancePublished() {
	if r == nil {
		return
	}
	r.instancesPublished.Add(1)
}

func (r *Registry) IncInstanceRemoved() {
	if r == nil {
		return
	}
	r.instancesRemoved.Add(1)
}

func (r *Registry) IncScreenshotRequest() {
	if r == nil {
		return
	}
	r.screenshotRequests.Add(1)
}

func (r *Registry) IncScreenshotFailure() {
	if r == nil {
		return
	}
	r.screenshotFailures.Add(1)
}

func (r *Registry) IncReconnectAttempt() {
	if r == nil {
		return
	}
	r.reconnectAttempts.Add(1)
}

func (r *Registry) InstancesPublished() int64 {
	if r == nil {
		return 0
	}
	return r.instancesPublished.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "gamescoped_watch_events_total", "Filesystem watch events observed", r.watchEvents.Load())
	writeCounter(writer, "gamescoped_watch_errors_total", "Filesystem watch read errors", r.watchErrors.Load())
	writeCounter(writer, "gamescoped_commands_processed_total", "Manager commands processed", r.commandsProcessed.Load())
	writeCounter(writer, "gamescoped_reconcile_passes_total", "XWayland reconciliation passes", r.reconcilePasses.Load())
	writeCounter(writer, "gamescoped_instances_published_total", "Instances published on the bus", r.instancesPublished.Load())
	writeCounter(writer, "gamescoped_instances_removed_total", "Instances removed from the bus", r.instancesRemoved.Load())
	writeCounter(writer, "gamescoped_screenshot_requests_total", "Screenshot requests submitted", r.screenshotRequests.Load())
	writeCounter(writer, "gamescoped_screenshot_failures_total", "Screenshot requests failed or timed out", r.screenshotFailures.Load())
	writeCounter(writer, "gamescoped_reconnect_attempts_total", "X11 reconnect attempts", r.reconnectAttempts.Load())
	return nil
}

func writeCounter(writer io.Writer, name, help string, value int64) {
	fmt.Fprintf(writer, "# HELP %s %s\n", name, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", name)
	fmt.Fprintf(writer, "%s %d\n", name, value)
}
