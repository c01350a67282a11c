package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dataplaned/dataplaned/internal/acl"
	"github.com/dataplaned/dataplaned/internal/config"
	"github.com/dataplaned/dataplaned/internal/device"
	"github.com/dataplaned/dataplaned/internal/device/sim"
	"github.com/dataplaned/dataplaned/internal/eventbus"
	"github.com/dataplaned/dataplaned/internal/ledger"
	"github.com/dataplaned/dataplaned/internal/om"
	"github.com/dataplaned/dataplaned/internal/reconcile"
)

// DeviceService supervises the device session and routes device-originated
// events. The first established connection discovers device ground truth
// (populate); every reconnect replays desired state in dependency order.
type DeviceService struct {
	cfg        *config.Config
	engine     *sim.Engine
	registry   *om.Registry
	reconciler *reconcile.Reconciler
	acls       *acl.Set
	bus        *eventbus.Bus
	audit      *ledger.Ledger

	session *device.Session
}

// NewDeviceService creates the device supervision service.
func NewDeviceService(
	cfg *config.Config,
	engine *sim.Engine,
	registry *om.Registry,
	reconciler *reconcile.Reconciler,
	acls *acl.Set,
	bus *eventbus.Bus,
	audit *ledger.Ledger,
) *DeviceService {
	s := &DeviceService{
		cfg:        cfg,
		engine:     engine,
		registry:   registry,
		reconciler: reconciler,
		acls:       acls,
		bus:        bus,
		audit:      audit,
	}

	session := device.NewSession(engine, device.SessionConfig{
		PingInterval:  cfg.Device.PingInterval.Duration(),
		MinBackoff:    cfg.Device.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Device.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Device.RetryMultiplier,
		MaxReconnects: cfg.Device.MaxReconnects,
	})
	session.OnConnect = s.onConnect
	session.OnDisconnect = s.onDisconnect
	s.session = session

	return s
}

// Start launches the session supervisor and the notification pump.
func (s *DeviceService) Start(ctx context.Context, onFatalError func(error)) {
	s.bus.Subscribe(eventbus.EventTypeNotification, s.handleNotification)

	go func() {
		if err := s.session.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()

	go s.pumpNotifications(ctx)
}

func (s *DeviceService) onConnect(ctx context.Context, sessionID string, reconnect bool) error {
	s.appendAudit(ledger.EventSessionConnected, sessionID, map[string]any{"reconnect": reconnect})

	if !reconnect {
		// First contact: pull the device's ground truth into the stores,
		// then let the reconciler converge desired state on top of it.
		if err := s.registry.Populate(ctx, s.cfg.Namespace); err != nil {
			return err
		}
		s.appendAudit(ledger.EventPopulateCompleted, sessionID, nil)
	} else {
		// The device may have lost everything we provisioned. Drop local
		// device identities and re-push, one batched flush for all kinds.
		if err := s.registry.Replay(ctx); err != nil {
			log.Warn().Err(err).Msg("Replay finished with failures, reconciler will retry")
		}
		s.appendAudit(ledger.EventReplayCompleted, sessionID, nil)
		s.reconciler.ForgetVersions()
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeConnectivity,
		Data: map[string]interface{}{"session": sessionID, "up": true, "reconnect": reconnect},
	})
	s.reconciler.Trigger()
	return nil
}

func (s *DeviceService) onDisconnect(sessionID string) {
	s.appendAudit(ledger.EventSessionLost, sessionID, nil)
	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeConnectivity,
		Data: map[string]interface{}{"session": sessionID, "up": false},
	})
}

// pumpNotifications forwards engine notifications onto the bus.
func (s *DeviceService) pumpNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.engine.Events():
			s.bus.Publish(eventbus.Event{
				Type: eventbus.EventTypeNotification,
				Data: map[string]interface{}{"handle": uint32(n.Handle), "kind": n.Kind},
			})
		}
	}
}

// handleNotification resolves a device notification back to the managed
// object through the handle index.
func (s *DeviceService) handleNotification(e eventbus.Event) {
	raw, ok := e.Data["handle"].(uint32)
	if !ok {
		return
	}
	h := device.Handle(raw)

	l, ok := s.acls.FindByHandle(h)
	if !ok {
		// The object is gone (or the handle was reassigned); stale
		// notifications are expected around sweeps and replays.
		log.Debug().Stringer("handle", h).Msg("Notification for unknown handle")
		return
	}

	log.Debug().
		Stringer("handle", h).
		Str("key", l.Key()).
		Interface("kind", e.Data["kind"]).
		Msg("Device notification")
}

func (s *DeviceService) appendAudit(event ledger.EventType, sessionID string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AppendWithSource(event, sessionID, "device", payload); err != nil {
		log.Warn().Err(err).Str("event", string(event)).Msg("Ledger append failed")
	}
}
