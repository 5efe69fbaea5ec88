package state

import "fmt"

// Subscribe registers fn for changes to key. The returned func unsubscribes.
func (s *Store) Subscribe(key string, fn Subscriber) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.subSeq++
	id := s.subSeq
	if s.keySubs[key] == nil {
		s.keySubs[key] = make(map[uint64]Subscriber)
	}
	s.keySubs[key][id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		delete(s.keySubs[key], id)
		if len(s.keySubs[key]) == 0 {
			delete(s.keySubs, key)
		}
	}
}

// SubscribeAll registers fn for every committed change
func (s *Store) SubscribeAll(fn Subscriber) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.subSeq++
	id := s.subSeq
	s.globalSubs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.globalSubs, id)
	}
}

// publish delivers changes to key and global subscribers in commit order.
// It runs on the mutating goroutine after the store lock is released.
func (s *Store) publish(changes []StateChange) {
	for _, change := range changes {
		for _, fn := range s.subscribersFor(change.Key) {
			s.deliver(fn, change)
		}
	}
}

func (s *Store) subscribersFor(key string) []Subscriber {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	out := make([]Subscriber, 0, len(s.keySubs[key])+len(s.globalSubs))
	for _, fn := range s.keySubs[key] {
		out = append(out, fn)
	}
	for _, fn := range s.globalSubs {
		out = append(out, fn)
	}
	return out
}

func (s *Store) deliver(fn Subscriber, change StateChange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("key", change.Key).
				Uint64("version", change.Version).
				Str("panic", fmt.Sprint(r)).
				Msg("State subscriber panicked")
		}
	}()
	fn(change)
}
