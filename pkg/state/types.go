package state

import (
	"errors"
	"time"
)

// OperationType identifies the kind of mutation recorded in a StateChange
type OperationType string

const (
	OpSet       OperationType = "set"
	OpUpdate    OperationType = "update"
	OpDelete    OperationType = "delete"
	OpIncrement OperationType = "increment"
	OpAppend    OperationType = "append"
)

// Valid reports whether the operation type is one of the known kinds
func (o OperationType) Valid() bool {
	switch o {
	case OpSet, OpUpdate, OpDelete, OpIncrement, OpAppend:
		return true
	}
	return false
}

var (
	// ErrLocked is returned when a key is locked by a different holder
	ErrLocked = errors.New("key is locked by another holder")
	// ErrNotNumeric is returned by Increment on a non-numeric value
	ErrNotNumeric = errors.New("value is not numeric")
	// ErrInvalidOperation is returned by Apply for malformed operations
	ErrInvalidOperation = errors.New("invalid state operation")
	// ErrNotList is returned by Append when the current value is not a list
	ErrNotList = errors.New("value is not a list")
	// ErrComputePanicked is returned when an update function panics
	ErrComputePanicked = errors.New("update function panicked")
)

// StateChange is an immutable journal entry describing one committed mutation
type StateChange struct {
	Key           string        `json:"key"`
	PreviousValue interface{}   `json:"previous_value,omitempty"`
	NewValue      interface{}   `json:"new_value,omitempty"`
	Operation     OperationType `json:"operation"`
	Version       uint64        `json:"version"`
	Timestamp     time.Time     `json:"timestamp"`
	Author        string        `json:"author"`
}

// Lock is an exclusive, TTL-bounded claim on a key
type Lock struct {
	Key        string        `json:"key"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Timeout    time.Duration `json:"timeout"`
}

// Expired reports whether the lock has outlived its timeout at the given instant.
// A non-positive timeout never expires.
func (l Lock) Expired(now time.Time) bool {
	if l.Timeout <= 0 {
		return false
	}
	return !now.Before(l.AcquiredAt.Add(l.Timeout))
}

// Snapshot is a point-in-time copy of the shared state
type Snapshot struct {
	ID             string                 `json:"id"`
	Version        uint64                 `json:"version"`
	Data           map[string]interface{} `json:"data"`
	LastModified   time.Time              `json:"last_modified"`
	LastModifiedBy string                 `json:"last_modified_by"`
	Locks          map[string]Lock        `json:"locks"`
}

// UpdateFunc computes a new value from the current one (nil when absent)
type UpdateFunc func(current interface{}) (interface{}, error)

// Operation is a single declarative mutation, the input of Store.Apply
type Operation struct {
	Type   OperationType `json:"type"`
	Key    string        `json:"key"`
	Value  interface{}   `json:"value,omitempty"`
	Fn     UpdateFunc    `json:"-"`
	Author string        `json:"author"`
}

// Subscriber receives committed changes
type Subscriber func(change StateChange)

// MutationOption tweaks a single mutating call
type MutationOption func(*mutationOptions)

type mutationOptions struct {
	checkLock bool
}

// SkipLockCheck disables the foreign-lock check for one call
func SkipLockCheck() MutationOption {
	return func(o *mutationOptions) {
		o.checkLock = false
	}
}

func buildMutationOptions(opts []MutationOption) mutationOptions {
	o := mutationOptions{checkLock: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
