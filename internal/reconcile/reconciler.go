package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dataplaned/dataplaned/internal/acl"
	"github.com/dataplaned/dataplaned/internal/ledger"
)

// Reconciler makes the device match the desired state store.
type Reconciler struct {
	set    *acl.Set
	source Source
	audit  *ledger.Ledger // optional

	// Configuration
	periodicInterval time.Duration

	// Rate limiting for device pushes
	limiter *rate.Limiter

	// Per-key tracking
	mu          sync.Mutex
	lastVersion map[string]int64 // key -> last successfully pushed version
	pending     map[string]bool  // key -> needs reconcile

	// Channel to trigger reconciliation
	trigger chan struct{}
}

// New creates a new Reconciler. audit may be nil.
func New(set *acl.Set, source Source, audit *ledger.Ledger, periodicInterval time.Duration, rateLimitRPS float64) *Reconciler {
	if periodicInterval == 0 {
		periodicInterval = 5 * time.Minute
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 10.0
	}

	// Fractional rates truncate to a zero burst, which would make every
	// Wait fail; one token of burst is the floor.
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Reconciler{
		set:              set,
		source:           source,
		audit:            audit,
		periodicInterval: periodicInterval,
		limiter:          rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
		lastVersion:      make(map[string]int64),
		pending:          make(map[string]bool),
		trigger:          make(chan struct{}, 1),
	}
}

// Trigger marks all dirty keys for reconciliation.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// TriggerKey marks a specific key for reconciliation.
func (r *Reconciler) TriggerKey(key string) {
	r.mu.Lock()
	r.pending[key] = true
	r.mu.Unlock()
	r.Trigger()
}

// ForgetVersions drops all version tracking, so the next pass re-examines
// every key. Used after replay so pushes retried by the device path do not
// hide store-side changes made while disconnected.
func (r *Reconciler) ForgetVersions() {
	r.mu.Lock()
	r.lastVersion = make(map[string]int64)
	r.mu.Unlock()
}

// Run starts the reconciliation loop.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().Dur("periodic_interval", r.periodicInterval).Msg("Reconciler started")

	ticker := time.NewTicker(r.periodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopping")
			return nil

		case <-r.trigger:
			r.reconcileAll(ctx)

		case <-ticker.C:
			r.reconcileAll(ctx)
		}
	}
}

func (r *Reconciler) reconcileAll(ctx context.Context) {
	r.mu.Lock()
	last := make(map[string]int64, len(r.lastVersion))
	for k, v := range r.lastVersion {
		last[k] = v
	}
	pendingSnapshot := r.pending
	r.pending = make(map[string]bool)
	r.mu.Unlock()

	dirty, err := r.source.GetDirty(last)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get dirty keys")
		return
	}

	seen := make(map[string]bool, len(dirty))
	for _, key := range dirty {
		seen[key] = true
	}
	for key := range pendingSnapshot {
		if !seen[key] {
			dirty = append(dirty, key)
		}
	}

	for _, key := range dirty {
		if err := r.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("Reconcile pass aborted waiting for rate limiter")
			return
		}
		if err := r.reconcileOne(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to reconcile")
		}
	}

	r.reconcileDeletes(ctx)
}

func (r *Reconciler) reconcileOne(ctx context.Context, key string) error {
	desired, version, err := r.source.Get(key)
	if err != nil {
		return fmt.Errorf("load desired %q: %w", key, err)
	}

	rules, err := desired.Compile()
	if err != nil {
		// Malformed desired state cannot converge; record the version so
		// the loop does not retry it until the store changes again.
		r.markDone(key, version)
		return fmt.Errorf("desired %q: %w", key, err)
	}

	l, err := r.set.Apply(ctx, acl.NewList(key, rules...))
	if err != nil {
		r.append(ledger.EventPushFailed, idemKey(key, version), map[string]any{"key": key, "error": err.Error()})
		// lastVersion is not advanced: the key stays dirty and the next
		// pass retries (the handle's result code also forces a re-push).
		return err
	}

	r.markDone(key, version)
	r.append(ledger.EventPushCompleted, idemKey(key, version), map[string]any{
		"key":    key,
		"handle": l.Handle().Data().String(),
		"rules":  len(rules),
	})

	log.Debug().
		Str("key", key).
		Int64("version", version).
		Stringer("handle", l.Handle().Data()).
		Msg("Reconciled")
	return nil
}

// reconcileDeletes releases objects whose desired state entry is gone.
func (r *Reconciler) reconcileDeletes(ctx context.Context) {
	versions, err := r.source.Versions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list desired versions")
		return
	}

	type gone struct {
		key     string
		version int64
	}

	r.mu.Lock()
	var removed []gone
	for key, version := range r.lastVersion {
		if _, ok := versions[key]; !ok {
			removed = append(removed, gone{key: key, version: version})
		}
	}
	r.mu.Unlock()

	for _, g := range removed {
		l, ok := r.set.Find(g.key)
		if ok {
			if err := r.set.Release(ctx, l); err != nil {
				log.Warn().Err(err).Str("key", g.key).Msg("Device-side delete failed during release")
			}
			r.append(ledger.EventSweepCompleted, idemKey(g.key, g.version), map[string]any{"key": g.key})
		}
		r.mu.Lock()
		delete(r.lastVersion, g.key)
		r.mu.Unlock()
		log.Info().Str("key", g.key).Msg("Released deleted ACL")
	}
}

func (r *Reconciler) markDone(key string, version int64) {
	r.mu.Lock()
	r.lastVersion[key] = version
	r.mu.Unlock()
}

// idemKey identifies a logical reconcile event. Retries of the same stored
// version produce the same key, so ledger consumers can deduplicate.
func idemKey(key string, version int64) string {
	return fmt.Sprintf("%s@%d", key, version)
}

func (r *Reconciler) append(eventType ledger.EventType, idem string, payload map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(eventType, idem, payload); err != nil {
		log.Warn().Err(err).Str("event", string(eventType)).Msg("Ledger append failed")
	}
}
