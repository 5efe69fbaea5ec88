package state

import (
	"context"
	"fmt"

	"github.com/harun/swarm/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Tx is the private view handed to a transaction body. Writes are buffered
// and become visible to others only when the body returns nil.
//
// Read-modify-write operations (Update, Increment, Append) are computed
// against the private view when staged and computed again at commit against
// the latest committed values, so writes made outside the transaction in the
// meantime are never lost. Update functions may therefore run twice.
type Tx struct {
	store   *Store
	author  string
	overlay map[string]pendingChange
	order   []string
	ops     []txOp
}

type txOp struct {
	key     string
	op      OperationType
	compute func(current interface{}) (interface{}, bool, error)
}

// Get reads key, seeing writes made earlier in the same transaction
func (tx *Tx) Get(key string) (interface{}, bool) {
	if p, ok := tx.overlay[key]; ok {
		if p.deleted {
			return nil, false
		}
		return p.value, true
	}
	return tx.store.Get(key)
}

// Set buffers a set of key
func (tx *Tx) Set(key string, value interface{}) error {
	return tx.stage(key, OpSet, func(interface{}) (interface{}, bool, error) {
		return value, false, nil
	})
}

// Update buffers a read-modify-write of key
func (tx *Tx) Update(key string, fn UpdateFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: update requires a function", ErrInvalidOperation)
	}
	return tx.stage(key, OpUpdate, func(current interface{}) (interface{}, bool, error) {
		next, err := fn(current)
		return next, false, err
	})
}

// Delete buffers removal of key
func (tx *Tx) Delete(key string) error {
	return tx.stage(key, OpDelete, func(interface{}) (interface{}, bool, error) {
		return nil, true, nil
	})
}

// Increment buffers a numeric increment of key
func (tx *Tx) Increment(key string, delta float64) error {
	return tx.stage(key, OpIncrement, func(current interface{}) (interface{}, bool, error) {
		next, err := addNumeric(current, delta)
		return next, false, err
	})
}

// Append buffers an append to the list under key
func (tx *Tx) Append(key string, value interface{}) error {
	return tx.stage(key, OpAppend, func(current interface{}) (interface{}, bool, error) {
		next, err := appendValue(current, value)
		return next, false, err
	})
}

func (tx *Tx) stage(key string, op OperationType, compute func(current interface{}) (interface{}, bool, error)) error {
	tx.store.mu.Lock()
	err := tx.store.checkLockLocked(key, tx.author)
	tx.store.mu.Unlock()
	if err != nil {
		return err
	}

	current, _ := tx.Get(key)
	next, deleted, err := compute(current)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, key, err)
	}

	if _, seen := tx.overlay[key]; !seen {
		tx.order = append(tx.order, key)
	}
	tx.overlay[key] = pendingChange{key: key, op: op, value: next, deleted: deleted}
	tx.ops = append(tx.ops, txOp{key: key, op: op, compute: compute})
	return nil
}

// replayLocked recomputes every staged operation on top of the committed
// data. Caller must hold s.mu.
func (tx *Tx) replayLocked() ([]pendingChange, error) {
	s := tx.store
	working := make(map[string]pendingChange, len(tx.order))
	pending := make([]pendingChange, 0, len(tx.ops))

	for _, op := range tx.ops {
		var current interface{}
		if p, ok := working[op.key]; ok {
			if !p.deleted {
				current = p.value
			}
		} else {
			current = s.data[op.key]
		}

		compute := op.compute
		next, deleted, err := safeCompute(func() (interface{}, bool, error) {
			return compute(current)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", op.op, op.key, err)
		}

		p := pendingChange{key: op.key, op: op.op, value: next, deleted: deleted}
		working[op.key] = p
		pending = append(pending, p)
	}
	return pending, nil
}

// Transaction runs fn with exclusive access to the transaction slot. If fn
// returns an error (or panics) nothing it wrote is applied and that error is
// returned. Otherwise every buffered write is committed under one version.
func (s *Store) Transaction(ctx context.Context, author string, fn func(tx *Tx) error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "swarm/state", "state.transaction",
		attribute.String("state.author", author),
	)
	defer func() { tracing.EndSpan(span, err) }()

	select {
	case s.txSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.txSlot }()

	tx := &Tx{
		store:   s,
		author:  author,
		overlay: make(map[string]pendingChange),
	}

	if err = runBody(tx, fn); err != nil {
		s.metrics.RecordTransaction("rolled_back")
		s.logger.Debug().Err(err).Str("author", author).Msg("Transaction rolled back")
		return err
	}

	if len(tx.ops) == 0 {
		s.metrics.RecordTransaction("committed")
		return nil
	}

	s.mu.Lock()
	for _, key := range tx.order {
		if err = s.checkLockLocked(key, author); err != nil {
			s.mu.Unlock()
			s.metrics.RecordTransaction("rolled_back")
			return err
		}
	}
	pending, err := tx.replayLocked()
	if err != nil {
		s.mu.Unlock()
		s.metrics.RecordTransaction("rolled_back")
		return err
	}
	changes := s.commitLocked(pending, author)
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("state.changes", len(changes)),
		attribute.Int64("state.version", int64(changes[0].Version)),
	)
	s.metrics.RecordTransaction("committed")
	s.publish(changes)
	return nil
}

func runBody(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction panicked: %v", r)
		}
	}()
	return fn(tx)
}
