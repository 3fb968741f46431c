// Package events broadcasts agent lifecycle events to in-process subscribers.
package events

import "time"

// Kind names a lifecycle event.
type Kind string

const (
	Enrolled        Kind = "enrolled"
	Unenrolled      Kind = "unenrolled"
	TaskCompleted   Kind = "taskCompleted"
	TaskFailed      Kind = "taskFailed"
	TelemetrySent   Kind = "telemetrySent"
	TelemetryFailed Kind = "telemetryFailed"
	Unhealthy       Kind = "unhealthy"
	Started         Kind = "started"
	Stopped         Kind = "stopped"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{Enrolled, Unenrolled, TaskCompleted, TaskFailed, TelemetrySent, TelemetryFailed, Unhealthy, Started, Stopped}

// Event is a single lifecycle notification. Fields other than Kind and Time
// are set depending on the kind.
type Event struct {
	Kind     Kind           `json:"kind"`
	Time     time.Time      `json:"time"`
	Identity string         `json:"identity,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	Loop     string         `json:"loop,omitempty"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Publisher is the write side of the broadcaster.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
