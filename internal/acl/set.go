package acl

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dataplaned/dataplaned/internal/device"
	"github.com/dataplaned/dataplaned/internal/om"
)

// Set owns everything for the ACL kind: the canonical store, the handle
// index over it, the command queue and the device client. It is the kind's
// populate/replay listener.
type Set struct {
	db      *om.Store[Key, *List]
	handles *om.HandleIndex[Key, *List]
	q       *device.Queue
	client  Client
}

// NewSet wires the ACL kind over the given queue and device client.
func NewSet(q *device.Queue, client Client) *Set {
	db := om.NewStore[Key, *List]()
	return &Set{
		db:      db,
		handles: om.NewHandleIndex(db, func(l *List) device.Handle { return l.Handle().Data() }),
		q:       q,
		client:  client,
	}
}

// Find returns the canonical list for key, if present.
func (s *Set) Find(key Key) (*List, bool) {
	return s.db.Find(key)
}

// FindByHandle resolves a device handle back to the managed list. Absence
// means the list no longer exists; callers must not treat that as an error.
func (s *Set) FindByHandle(h device.Handle) (*List, bool) {
	return s.handles.Find(h)
}

// Singular returns the canonical instance for desired's key, registering
// desired itself if the key is new.
func (s *Set) Singular(desired *List) *List {
	return s.db.FindOrAdd(desired.key, desired)
}

// Apply is the user-facing write path: obtain the canonical instance,
// diff-and-push the desired rules, and flush so the handle has a result
// before returning.
func (s *Set) Apply(ctx context.Context, desired *List) (*List, error) {
	l := s.Singular(desired)
	l.Update(desired, s)

	if err := s.q.Flush(ctx); err != nil {
		return l, fmt.Errorf("apply %q: %w", l.key, err)
	}
	return l, nil
}

// Release ends the list's identity: device-side sweep first (synchronous
// flush), then removal from the handle index and the store. A sweep
// failure is logged and returned but never blocks the release; there is no
// later opportunity to retry once the identity is gone.
func (s *Set) Release(ctx context.Context, l *List) error {
	cur, ok := s.db.Find(l.key)
	if !ok || cur != l {
		// Not the registered instance (already released, or replaced).
		return nil
	}

	err := l.Sweep(ctx, s)
	if err != nil {
		log.Warn().Err(err).Str("key", l.key).Msg("Sweep failed, releasing anyway")
	}

	s.handles.Remove(l.Handle().Data())
	s.db.Release(l.key, l)
	return err
}

// commit merges one discovered list into the store as ground truth. The
// queue is disabled by the caller, so adoption cannot generate pushes.
func (s *Set) commit(discovered *List) *List {
	l := s.db.FindOrAdd(discovered.key, discovered)
	if l != discovered {
		s.handles.Remove(l.Handle().Data())
		l.adopt(discovered)
	}
	s.handles.Add(l.key, l.Handle())
	return l
}

// Order places ACLs after lookup tables and before the interface kinds
// that reference them.
func (s *Set) Order() om.Order {
	return om.OrderACLs
}

// Populate dumps the device's provisioned lists and merges each into the
// canonical store as ground truth. Device writes are suppressed for the
// whole merge so that discovery never generates push commands.
func (s *Set) Populate(ctx context.Context, namespace string) error {
	cmd := &dumpCmd{client: s.client}
	s.q.Enqueue(cmd)
	if err := s.q.Flush(ctx); err != nil {
		return err
	}

	s.q.Disable()
	defer s.q.Enable()

	for _, rec := range cmd.records {
		l := s.commit(fromDump(rec))
		log.Debug().
			Str("namespace", namespace).
			Str("key", l.key).
			Stringer("handle", l.Handle().Data()).
			Msg("Discovered ACL")
	}

	log.Info().
		Str("namespace", namespace).
		Int("count", len(cmd.records)).
		Msg("ACL populate complete")
	return nil
}

// Replay re-pushes every live list's desired rules after a reconnect. No
// flush here; the registry batches one flush across all kinds.
func (s *Set) Replay(ctx context.Context) error {
	count := 0
	for _, l := range s.db.All() {
		l.Replay(s)
		count++
	}
	log.Info().Int("count", count).Msg("ACL replay queued")
	return nil
}

// Show renders the store contents for inspection. Read-only.
func (s *Set) Show(w io.Writer) {
	for _, l := range s.db.All() {
		fmt.Fprintln(w, l)
	}
}
