package om

import (
	"sync"

	"github.com/dataplaned/dataplaned/internal/device"
)

// HandleIndex maps device-assigned handles back to canonical instances so
// that device-originated events can be routed to the managed object.
//
// The index never owns anything: it records handle->key and resolves
// through the backing store on every lookup. A released object therefore
// resolves to absent, never to a dangling reference, and a lingering
// mapping cannot keep an object alive.
type HandleIndex[K comparable, O comparable] struct {
	mu       sync.Mutex
	byHandle map[device.Handle]K

	db       *Store[K, O]
	handleOf func(O) device.Handle
}

// NewHandleIndex creates an index over db. handleOf reports the current
// handle of an instance; it is the liveness check that lets the index
// detect entries for handles an object no longer holds.
func NewHandleIndex[K comparable, O comparable](db *Store[K, O], handleOf func(O) device.Handle) *HandleIndex[K, O] {
	return &HandleIndex[K, O]{
		byHandle: make(map[device.Handle]K),
		db:       db,
		handleOf: handleOf,
	}
}

// Add records a handle mapping for key. The mapping is recorded only when
// the store actually holds key and the item carries a valid, successfully
// provisioned handle; anything else is silently ignored.
func (ix *HandleIndex[K, O]) Add(key K, item device.Item[device.Handle]) {
	if !item.OK() || !item.Data().Valid() {
		return
	}
	if _, ok := ix.db.Find(key); !ok {
		return
	}

	ix.mu.Lock()
	ix.byHandle[item.Data()] = key
	ix.mu.Unlock()
}

// Remove erases the mapping for a handle. Idempotent.
func (ix *HandleIndex[K, O]) Remove(h device.Handle) {
	ix.mu.Lock()
	delete(ix.byHandle, h)
	ix.mu.Unlock()
}

// Find resolves a handle to its canonical instance. Absence means the
// object no longer exists (or no longer holds this handle), not an error.
// Stale entries discovered during lookup are erased.
func (ix *HandleIndex[K, O]) Find(h device.Handle) (O, bool) {
	var zero O

	ix.mu.Lock()
	key, ok := ix.byHandle[h]
	ix.mu.Unlock()
	if !ok {
		return zero, false
	}

	obj, ok := ix.db.Find(key)
	if !ok || ix.handleOf(obj) != h {
		// The object was released, or replayed onto a new handle.
		ix.Remove(h)
		return zero, false
	}
	return obj, true
}

// Len returns the number of recorded mappings, including any not yet
// detected as stale.
func (ix *HandleIndex[K, O]) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byHandle)
}
