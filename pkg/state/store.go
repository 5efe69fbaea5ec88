package state

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/swarm/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultHistorySize is the journal capacity used when none is configured
	DefaultHistorySize = 1000
	// DefaultLockTimeout is applied when AcquireLock is called without a timeout
	DefaultLockTimeout = 30 * time.Second
)

// Config holds store configuration
type Config struct {
	HistorySize        int
	DefaultLockTimeout time.Duration
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

// Store is a versioned key/value space shared by all agents of one orchestrator.
// It offers per-key locks, atomic transactions, a bounded change journal and
// synchronous subscriptions.
type Store struct {
	id string

	mu             sync.RWMutex
	version        uint64
	data           map[string]interface{}
	lastModified   time.Time
	lastModifiedBy string
	locks          map[string]Lock
	history        *journal
	lockTimeout    time.Duration

	subMu      sync.RWMutex
	subSeq     uint64
	keySubs    map[string]map[uint64]Subscriber
	globalSubs map[uint64]Subscriber

	// txSlot admits a single transaction body at a time
	txSlot chan struct{}

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// pendingChange is a mutation that has been computed but not yet committed
type pendingChange struct {
	key     string
	op      OperationType
	value   interface{}
	deleted bool
}

// New creates an empty store
func New(cfg Config) *Store {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.DefaultLockTimeout <= 0 {
		cfg.DefaultLockTimeout = DefaultLockTimeout
	}

	return &Store{
		id:          uuid.New().String(),
		data:        make(map[string]interface{}),
		locks:       make(map[string]Lock),
		history:     newJournal(cfg.HistorySize),
		lockTimeout: cfg.DefaultLockTimeout,
		keySubs:     make(map[string]map[uint64]Subscriber),
		globalSubs:  make(map[uint64]Subscriber),
		txSlot:      make(chan struct{}, 1),
		logger:      cfg.Logger.With().Str("component", "state").Logger(),
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
}

// ID returns the store identifier
func (s *Store) ID() string {
	return s.id
}

// Version returns the current version
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get returns the value stored under key
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	return value, ok
}

// Has reports whether key is present
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns all keys currently present
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	return keys
}

// Snapshot returns a copy of the whole state, including live locks
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	data := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		data[k] = v
	}
	locks := make(map[string]Lock, len(s.locks))
	for k, l := range s.locks {
		if !l.Expired(now) {
			locks[k] = l
		}
	}

	return Snapshot{
		ID:             s.id,
		Version:        s.version,
		Data:           data,
		LastModified:   s.lastModified,
		LastModifiedBy: s.lastModifiedBy,
		Locks:          locks,
	}
}

// Set stores value under key
func (s *Store) Set(key string, value interface{}, author string, opts ...MutationOption) (StateChange, error) {
	return s.mutate(key, author, OpSet, opts, func(interface{}, bool) (interface{}, bool, error) {
		return value, false, nil
	})
}

// Update performs a read-modify-write of key. fn runs while the store is
// locked and must not call back into the store.
func (s *Store) Update(key string, fn UpdateFunc, author string, opts ...MutationOption) (StateChange, error) {
	if fn == nil {
		return StateChange{}, fmt.Errorf("%w: update requires a function", ErrInvalidOperation)
	}
	return s.mutate(key, author, OpUpdate, opts, func(current interface{}, _ bool) (interface{}, bool, error) {
		next, err := fn(current)
		return next, false, err
	})
}

// Delete removes key. Deleting an absent key is still a committed mutation.
func (s *Store) Delete(key string, author string, opts ...MutationOption) (StateChange, error) {
	return s.mutate(key, author, OpDelete, opts, func(interface{}, bool) (interface{}, bool, error) {
		return nil, true, nil
	})
}

// Increment adds delta to the numeric value under key (absent counts as zero)
func (s *Store) Increment(key string, delta float64, author string, opts ...MutationOption) (StateChange, error) {
	return s.mutate(key, author, OpIncrement, opts, func(current interface{}, _ bool) (interface{}, bool, error) {
		next, err := addNumeric(current, delta)
		return next, false, err
	})
}

// Append adds value to the list under key (absent counts as empty)
func (s *Store) Append(key string, value interface{}, author string, opts ...MutationOption) (StateChange, error) {
	return s.mutate(key, author, OpAppend, opts, func(current interface{}, _ bool) (interface{}, bool, error) {
		next, err := appendValue(current, value)
		return next, false, err
	})
}

// Apply executes a declarative operation
func (s *Store) Apply(op Operation, opts ...MutationOption) (StateChange, error) {
	if op.Key == "" {
		return StateChange{}, fmt.Errorf("%w: key is required", ErrInvalidOperation)
	}

	switch op.Type {
	case OpSet:
		return s.Set(op.Key, op.Value, op.Author, opts...)
	case OpUpdate:
		return s.Update(op.Key, op.Fn, op.Author, opts...)
	case OpDelete:
		return s.Delete(op.Key, op.Author, opts...)
	case OpIncrement:
		delta, ok := toFloat(op.Value)
		if !ok {
			if op.Value != nil {
				return StateChange{}, fmt.Errorf("%w: increment delta %v", ErrNotNumeric, op.Value)
			}
			delta = 1
		}
		return s.Increment(op.Key, delta, op.Author, opts...)
	case OpAppend:
		return s.Append(op.Key, op.Value, op.Author, opts...)
	default:
		return StateChange{}, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
}

// mutate runs one single-key mutation: lock check, compute, commit, publish.
func (s *Store) mutate(key, author string, op OperationType, opts []MutationOption,
	compute func(current interface{}, exists bool) (interface{}, bool, error)) (StateChange, error) {
	o := buildMutationOptions(opts)

	changes, err := s.applyOne(key, author, op, o.checkLock, compute)
	if err != nil {
		return StateChange{}, err
	}

	s.publish(changes)
	return changes[0], nil
}

func (s *Store) applyOne(key, author string, op OperationType, checkLock bool,
	compute func(current interface{}, exists bool) (interface{}, bool, error)) ([]StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkLock {
		if err := s.checkLockLocked(key, author); err != nil {
			return nil, err
		}
	}

	current, exists := s.data[key]
	next, deleted, err := safeCompute(func() (interface{}, bool, error) {
		return compute(current, exists)
	})
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", op, key, err)
	}

	return s.commitLocked([]pendingChange{{key: key, op: op, value: next, deleted: deleted}}, author), nil
}

// safeCompute runs a caller-supplied computation, turning a panic into an error
func safeCompute(compute func() (interface{}, bool, error)) (next interface{}, deleted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, deleted = nil, false
			err = fmt.Errorf("%w: %v", ErrComputePanicked, r)
		}
	}()
	return compute()
}

// commitLocked applies pending changes under a single version bump and
// journals them. Caller must hold s.mu.
func (s *Store) commitLocked(pending []pendingChange, author string) []StateChange {
	now := s.now()
	s.version++

	changes := make([]StateChange, 0, len(pending))
	for _, p := range pending {
		previous := s.data[p.key]
		if p.deleted {
			delete(s.data, p.key)
		} else {
			s.data[p.key] = p.value
		}

		change := StateChange{
			Key:           p.key,
			PreviousValue: previous,
			NewValue:      p.value,
			Operation:     p.op,
			Version:       s.version,
			Timestamp:     now,
			Author:        author,
		}
		s.history.add(change)
		changes = append(changes, change)
		s.metrics.RecordStateMutation(string(p.op), s.version)
	}

	s.lastModified = now
	s.lastModifiedBy = author

	s.logger.Debug().
		Uint64("version", s.version).
		Int("changes", len(changes)).
		Str("author", author).
		Msg("State committed")

	return changes
}

func addNumeric(current interface{}, delta float64) (interface{}, error) {
	integral := delta == math.Trunc(delta)

	switch v := current.(type) {
	case nil:
		if integral {
			return int64(delta), nil
		}
		return delta, nil
	case int:
		if integral {
			return v + int(delta), nil
		}
		return float64(v) + delta, nil
	case int64:
		if integral {
			return v + int64(delta), nil
		}
		return float64(v) + delta, nil
	case int32:
		if integral {
			return int64(v) + int64(delta), nil
		}
		return float64(v) + delta, nil
	case float64:
		return v + delta, nil
	case float32:
		return float64(v) + delta, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotNumeric, current)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// appendValue never mutates the existing slice so journal entries stay intact
func appendValue(current interface{}, value interface{}) (interface{}, error) {
	switch v := current.(type) {
	case nil:
		return []interface{}{value}, nil
	case []interface{}:
		next := make([]interface{}, len(v), len(v)+1)
		copy(next, v)
		return append(next, value), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotList, current)
	}
}
