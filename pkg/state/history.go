package state

// journal is a fixed-capacity ring buffer of committed changes, oldest first
type journal struct {
	entries []StateChange
	start   int
	size    int
	evicted uint64 // highest version that has lost an entry
}

func newJournal(capacity int) *journal {
	return &journal{entries: make([]StateChange, capacity)}
}

func (j *journal) add(change StateChange) {
	capacity := len(j.entries)
	if j.size < capacity {
		j.entries[(j.start+j.size)%capacity] = change
		j.size++
		return
	}
	if v := j.entries[j.start].Version; v > j.evicted {
		j.evicted = v
	}
	j.entries[j.start] = change
	j.start = (j.start + 1) % capacity
}

func (j *journal) each(fn func(StateChange) bool) {
	capacity := len(j.entries)
	for i := 0; i < j.size; i++ {
		if !fn(j.entries[(j.start+i)%capacity]) {
			return
		}
	}
}

// History returns all retained changes, oldest first
func (s *Store) History() []StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StateChange, 0, s.history.size)
	s.history.each(func(c StateChange) bool {
		out = append(out, c)
		return true
	})
	return out
}

// KeyHistory returns the retained changes touching key, oldest first
func (s *Store) KeyHistory(key string) []StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StateChange
	s.history.each(func(c StateChange) bool {
		if c.Key == key {
			out = append(out, c)
		}
		return true
	})
	return out
}

// AtVersion reconstructs the value of key as it was once version v committed.
// ok is false when the key did not exist at v or the journal no longer
// reaches back far enough to tell.
func (s *Store) AtVersion(key string, v uint64) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v >= s.version {
		value, ok := s.data[key]
		return value, ok
	}

	// every change after v must still be retained, or one may be missing
	covered := s.history.evicted <= v

	var (
		found bool
		last  StateChange
		next  *StateChange
	)
	s.history.each(func(c StateChange) bool {
		if c.Key != key {
			return true
		}
		if c.Version <= v {
			last = c
			found = true
			return true
		}
		change := c
		next = &change
		return false
	})

	switch {
	case found:
		if last.Operation == OpDelete {
			return nil, false
		}
		return last.NewValue, true
	case next != nil && covered:
		// first change after v tells what the key held before it
		if next.PreviousValue == nil {
			return nil, false
		}
		return next.PreviousValue, true
	case covered:
		value, ok := s.data[key]
		return value, ok
	default:
		return nil, false
	}
}
