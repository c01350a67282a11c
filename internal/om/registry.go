package om

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dataplaned/dataplaned/internal/device"
)

// Order is the dependency rank of an object kind. Kinds that nothing else
// references come first; kinds that reference objects of another kind must
// declare a higher rank so bulk populate/replay provisions their
// dependencies before them.
type Order int

const (
	OrderTables     Order = 0 // lookup tables, referenced by everything else
	OrderACLs       Order = 10
	OrderInterfaces Order = 20
	OrderBindings   Order = 30 // attachments of ACLs/features to interfaces
)

// Listener is the per-kind singleton hooked into bulk device
// synchronization: pulling ground truth in (populate), pushing desired
// state back out after a connection loss (replay), and rendering the kind's
// store for inspection.
type Listener interface {
	// Order returns the kind's dependency rank.
	Order() Order

	// Populate pulls the device's current objects of this kind into the
	// canonical store as ground truth. It flushes its own dump command.
	Populate(ctx context.Context, namespace string) error

	// Replay re-enqueues push commands for every instance in the store.
	// It must NOT flush: the registry batches one flush across all kinds.
	Replay(ctx context.Context) error

	// Show renders the kind's store contents. Read-only.
	Show(w io.Writer)
}

// Registry is the explicit, dependency-ordered collection of kind
// listeners. It is constructed once at startup and iterated
// deterministically: ascending Order, registration order within equal
// ranks.
type Registry struct {
	q *device.Queue

	mu        sync.Mutex
	listeners []Listener
}

// NewRegistry creates a registry flushing through q.
func NewRegistry(q *device.Queue) *Registry {
	return &Registry{q: q}
}

// Register adds a kind listener, keeping the collection stably sorted by
// dependency rank.
func (r *Registry) Register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)
	sort.SliceStable(r.listeners, func(i, j int) bool {
		return r.listeners[i].Order() < r.listeners[j].Order()
	})
}

func (r *Registry) ordered() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Listener(nil), r.listeners...)
}

// Populate invokes every listener's Populate in dependency order, so that
// discovered objects can resolve references to kinds populated before them.
func (r *Registry) Populate(ctx context.Context, namespace string) error {
	for _, l := range r.ordered() {
		if err := l.Populate(ctx, namespace); err != nil {
			return fmt.Errorf("populate order %d: %w", l.Order(), err)
		}
	}
	log.Info().Str("namespace", namespace).Msg("Populate complete")
	return nil
}

// Replay re-pushes desired state for every kind in dependency order, then
// performs the single batched flush for the whole pass. Individual push
// failures surface as result codes on the objects' handles and in the
// joined flush error; they do not stop the pass.
func (r *Registry) Replay(ctx context.Context) error {
	for _, l := range r.ordered() {
		if err := l.Replay(ctx); err != nil {
			return fmt.Errorf("replay order %d: %w", l.Order(), err)
		}
	}

	err := r.q.Flush(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Replay flush completed with failures")
	} else {
		log.Info().Msg("Replay complete")
	}
	return err
}

// Show renders every kind's store in dependency order.
func (r *Registry) Show(w io.Writer) {
	for _, l := range r.ordered() {
		l.Show(w)
	}
}
