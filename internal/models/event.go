package models

import "time"

// EventKind identifies a sync lifecycle event.
type EventKind string

// Status event kinds
const (
	EventQueued       EventKind = "queued"
	EventSynced       EventKind = "synced"
	EventFailed       EventKind = "failed"
	EventCircuitOpen  EventKind = "circuit_open"
	EventCircuitReset EventKind = "circuit_reset"
)

// Reasons attached to circuit_open events
const (
	ReasonStorageFailures = "storage_failures"
	ReasonEnqueueBlocked  = "enqueue_blocked"
)

// StatusEvent is an ephemeral notification delivered to status subscribers.
// It is never persisted.
type StatusEvent struct {
	Kind   EventKind   `json:"kind"`
	Detail EventDetail `json:"detail"`
}

// EventDetail carries whatever is known about the event. Failed events
// always carry the item, its operation and the last error so observers know
// which write was dropped.
type EventDetail struct {
	ItemID    string    `json:"item_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Pending   int       `json:"pending"`
	Time      time.Time `json:"time"`
}

// BreakerState is the circuit breaker position.
type BreakerState string

// Circuit breaker states
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerSnapshot is a point-in-time copy of the circuit breaker.
type BreakerSnapshot struct {
	State             BreakerState `json:"state"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	OpenedAt          *time.Time   `json:"opened_at,omitempty"`
}
