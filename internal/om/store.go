// Package om is the object-model core: a canonical per-kind store with
// identity deduplication, a handle-to-object secondary index, and the
// dependency-ordered populate/replay registry that drives bulk
// resynchronization with the device.
package om

import (
	"iter"
	"sync"
)

// Store is the canonical cache for one object kind. It guarantees at most
// one live instance per key: every caller asking for the same key gets the
// same instance until that instance is released.
//
// The store is the sole long-lived owner of its instances. Release is the
// explicit end of an object's identity; there is no implicit teardown.
type Store[K comparable, O comparable] struct {
	mu      sync.Mutex
	objects map[K]O
}

// NewStore creates an empty store.
func NewStore[K comparable, O comparable]() *Store[K, O] {
	return &Store[K, O]{
		objects: make(map[K]O),
	}
}

// Find returns the canonical instance for key, if one is registered.
func (s *Store[K, O]) Find(key K) (O, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[key]
	return obj, ok
}

// FindOrAdd returns the canonical instance for key, registering candidate
// if none exists yet. When an instance is already registered it wins and
// the candidate is discarded.
func (s *Store[K, O]) FindOrAdd(key K, candidate O) O {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[key]; ok {
		return obj
	}
	s.objects[key] = candidate
	return candidate
}

// Release removes the entry for key, but only if obj is still the
// registered instance. A release racing a find-or-add that already replaced
// the instance for the same key is a no-op, so a stale holder can never
// evict the current canonical object.
func (s *Store[K, O]) Release(key K, obj O) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.objects[key]
	if !ok || cur != obj {
		return false
	}
	delete(s.objects, key)
	return true
}

// All returns a lazy sequence over the live instances, for diagnostics.
// The sequence is restartable: ranging over it again takes a fresh snapshot.
func (s *Store[K, O]) All() iter.Seq2[K, O] {
	return func(yield func(K, O) bool) {
		s.mu.Lock()
		snapshot := make(map[K]O, len(s.objects))
		for k, o := range s.objects {
			snapshot[k] = o
		}
		s.mu.Unlock()

		for k, o := range snapshot {
			if !yield(k, o) {
				return
			}
		}
	}
}

// Len returns the number of live instances.
func (s *Store[K, O]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
