package events

import (
	"time"
)

// Event is the typed envelope carried by the bus. Immutable once emitted;
// retained in a bounded ring buffer for introspection only; no component
// depends on history for correctness.
type Event struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
	TaskID    string // Optional correlation ID
	RunID     string // Optional correlation ID
}

// Lifecycle event types.
const (
	TypePlanComputed   = "plan.computed"
	TypeBatchStarted   = "batch.started"
	TypeBatchCompleted = "batch.completed"
	TypeStoryStarted   = "story.started"
	TypeStoryCompleted = "story.completed"
	TypeStoryFailed    = "story.failed"
	TypeStoryMerged    = "story.merged"
	TypeStoryConflict  = "story.conflict"
	TypeStoryRetry     = "story.retry"
	TypeWorkerDead     = "worker.dead"
	TypeWorkerHung     = "worker.hung"
)

// Handler consumes one event.
type Handler func(Event)

// FilterFunc gates delivery per-event, in addition to pattern matching.
type FilterFunc func(Event) bool

// Stats exposes the bus counters.
type Stats struct {
	TotalEmitted int
	PerType      map[string]int
}
