package state

import (
	"fmt"
	"time"
)

// AcquireLock claims key for holder. It succeeds when no live lock exists or
// when holder already owns it, in which case the lock is refreshed.
// A zero timeout uses the store default.
func (s *Store) AcquireLock(key, holder string, timeout time.Duration) bool {
	if timeout == 0 {
		timeout = s.lockTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeExpiredLocked(key, now)

	if existing, ok := s.locks[key]; ok && existing.Holder != holder {
		s.metrics.RecordLockAcquisition(false)
		s.logger.Debug().
			Str("key", key).
			Str("holder", holder).
			Str("owner", existing.Holder).
			Msg("Lock contended")
		return false
	}

	s.locks[key] = Lock{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		Timeout:    timeout,
	}
	s.metrics.RecordLockAcquisition(true)
	return true
}

// ReleaseLock drops the lock on key if holder owns it
func (s *Store) ReleaseLock(key, holder string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(key, s.now())

	existing, ok := s.locks[key]
	if !ok || existing.Holder != holder {
		return false
	}
	delete(s.locks, key)
	return true
}

// GetLock returns the live lock on key, if any
func (s *Store) GetLock(key string) (Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(key, s.now())
	l, ok := s.locks[key]
	return l, ok
}

// IsLocked reports whether key carries a live lock held by anyone
func (s *Store) IsLocked(key string) bool {
	_, ok := s.GetLock(key)
	return ok
}

// checkLockLocked fails if key is locked by someone other than author.
// Caller must hold s.mu.
func (s *Store) checkLockLocked(key, author string) error {
	s.purgeExpiredLocked(key, s.now())

	if l, ok := s.locks[key]; ok && l.Holder != author {
		return fmt.Errorf("%w: %q held by %s", ErrLocked, key, l.Holder)
	}
	return nil
}

func (s *Store) purgeExpiredLocked(key string, now time.Time) {
	if l, ok := s.locks[key]; ok && l.Expired(now) {
		delete(s.locks, key)
	}
}
