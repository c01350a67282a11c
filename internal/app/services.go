package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dataplaned/dataplaned/internal/acl"
	"github.com/dataplaned/dataplaned/internal/config"
	"github.com/dataplaned/dataplaned/internal/db"
	"github.com/dataplaned/dataplaned/internal/device"
	"github.com/dataplaned/dataplaned/internal/device/sim"
	"github.com/dataplaned/dataplaned/internal/eventbus"
	"github.com/dataplaned/dataplaned/internal/ledger"
	"github.com/dataplaned/dataplaned/internal/om"
	"github.com/dataplaned/dataplaned/internal/policy"
	"github.com/dataplaned/dataplaned/internal/reconcile"
	"github.com/dataplaned/dataplaned/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Store  *storage.Store
	Bus    *eventbus.Bus

	// Device boundary
	Engine *sim.Engine
	Queue  *device.Queue

	// Object model
	ACLs     *acl.Set
	Registry *om.Registry

	// Desired-state side
	ACLStore   *storage.TypedStore[reconcile.DesiredACL]
	Policy     *policy.Engine
	Reconciler *reconcile.Reconciler

	// High-level services
	Device  *DeviceService
	Inspect *InspectService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger and desired-state store
	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.ACLStore = storage.NewTypedStore[reconcile.DesiredACL](s.Store, reconcile.KindACL)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize device boundary: command queue over the simulated engine.
	// TODO: swap sim.Engine for the binary-protocol transport once the
	// engine's management channel is specified.
	s.Engine = sim.New()
	s.Queue = device.NewQueue()

	// Initialize the object model: per-kind sets and the dependency-ordered
	// populate/replay registry.
	s.ACLs = acl.NewSet(s.Queue, s.Engine)
	s.Registry = om.NewRegistry(s.Queue)
	s.Registry.Register(s.ACLs)

	// Initialize policy engine and reconciler
	s.Policy = policy.New(cfg.Policy)
	s.Reconciler = reconcile.New(
		s.ACLs,
		s.ACLStore,
		s.Ledger,
		cfg.Reconciler.PeriodicInterval.Duration(),
		cfg.Reconciler.RateLimitRPS,
	)

	// Initialize high-level services
	s.Device = NewDeviceService(cfg, s.Engine, s.Registry, s.Reconciler, s.ACLs, s.Bus, s.Ledger)
	s.Inspect = NewInspectService(cfg, s.Registry, s.Bus)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Evaluate policy before anything talks to the device, so the first
	// reconcile pass pushes the full declared state.
	if err := s.applyPolicy(); err != nil {
		return err
	}

	s.Device.Start(ctx, onFatalError)
	s.Inspect.Start(ctx)

	go func() {
		if err := s.Reconciler.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()

	go s.ledgerCleanup(ctx)

	return nil
}

// applyPolicy evaluates the Lua policy script and writes the declared ACLs
// into the desired-state store.
func (s *Services) applyPolicy() error {
	acls, err := s.Policy.Run()
	if err != nil {
		return err
	}

	for key, desired := range acls {
		if err := s.ACLStore.Set(key, desired); err != nil {
			return err
		}
	}

	log.Info().Int("acls", len(acls)).Msg("Policy applied to desired state")
	return nil
}

// ledgerCleanup enforces the ledger retention policy.
func (s *Services) ledgerCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()

	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Warn().Err(err).Msg("Ledger cleanup failed")
				continue
			}
			if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Ledger cleanup complete")
			}
		}
	}
}

// ClearState clears all stored desired state.
func (s *Services) ClearState() error {
	return s.Store.Clear("")
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()

	if s.Bus != nil {
		s.Bus.Close(shutdownCtx)
	}
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
