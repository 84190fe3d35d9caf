// Package queue provides durable persistence for pending remote mutations
// and locally cached reads. The action queue lives in SQLite (WAL mode,
// goose-managed schema); the read cache lives in a bbolt key-value store.
// Both survive process restarts, which is the whole point: an action
// enqueued while offline must still exist after a crash.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// schemaVersion is stamped onto every persisted action row so future
// migrations can distinguish old payload layouts.
const schemaVersion = 1

// ActionType classifies the remote operation an action performs.
type ActionType string

// Action types dispatched by the sync engine.
const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionQuery  ActionType = "query"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete, ActionQuery:
		return true
	default:
		return false
	}
}

// Priority orders queue draining. Higher weights drain first; within a
// weight, insertion order is preserved (stable FIFO).
type Priority string

// Priorities and their drain weights.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Weight returns the drain weight for the priority (high=3, medium=2,
// low=1). Unknown priorities weigh the same as low.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// priorityFromWeight is the inverse of Weight, used when scanning rows.
func priorityFromWeight(w int) Priority {
	switch w {
	case 3:
		return PriorityHigh
	case 2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Status values for the action_queue.status column.
const (
	StatusPending    = "pending"    // eligible for dispatch
	StatusDispatched = "dispatched" // claimed by the engine, network call in flight
	StatusBlocked    = "blocked"    // held for manual conflict resolution
)

// Action is a pending mutation destined for the remote store.
type Action struct {
	ID              string // assigned by Enqueue (UUID)
	Type            ActionType
	Table           string          // remote table/collection name
	Key             string          // record key, empty for creates
	Payload         json.RawMessage // record body or query filter
	Priority        Priority
	RetryCount      int
	MaxRetries      int
	DependsOn       []string // action IDs that must succeed first
	IdempotencyKey  string   // assigned by Enqueue if empty
	EnqueuedAt      time.Time
	NotBefore       time.Time // reschedule gate; zero means immediately eligible
	Status          string
	LastError       string
	CancelRequested bool // best-effort flag once dispatched
}

// DeadAction is an action that exhausted its retry budget (or was cascaded
// by a dead dependency) and was moved to the permanent-failure log.
type DeadAction struct {
	Action     Action
	FailedAt   time.Time
	FinalError string
}

// Counts summarizes queue occupancy for status reporting.
type Counts struct {
	Pending    int
	Dispatched int
	Blocked    int
	Dead       int
}

// Total returns the number of live (not dead) actions.
func (c Counts) Total() int {
	return c.Pending + c.Dispatched + c.Blocked
}

// StorageError wraps a storage I/O failure during a queue or cache
// operation. Callers are expected to log and continue rather than roll back
// UI flow (documented limitation: best-effort durability).
type StorageError struct {
	Op  string // operation that failed, e.g. "enqueue"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue: storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a *StorageError unless it is nil.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return &StorageError{Op: op, Err: err}
}
