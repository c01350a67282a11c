package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dataplaned/dataplaned/internal/config"
	"github.com/dataplaned/dataplaned/internal/eventbus"
	"github.com/dataplaned/dataplaned/internal/om"
)

// InspectService provides HTTP health checks and a read-only rendering of
// the object-model stores. Readiness tracks device connectivity from the
// session's bus events.
type InspectService struct {
	cfg      *config.Config
	registry *om.Registry
	bus      *eventbus.Bus
	server   *http.Server

	connected atomic.Bool
}

// NewInspectService creates a new InspectService.
func NewInspectService(cfg *config.Config, registry *om.Registry, bus *eventbus.Bus) *InspectService {
	return &InspectService{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
	}
}

// Start subscribes to connectivity events and begins the inspection server
// if enabled.
func (s *InspectService) Start(ctx context.Context) {
	s.bus.Subscribe(eventbus.EventTypeConnectivity, s.handleConnectivity)

	if !s.cfg.Inspect.Enabled {
		return
	}

	go s.run(ctx)
}

// handleConnectivity tracks device session up/down transitions for /ready.
func (s *InspectService) handleConnectivity(e eventbus.Event) {
	up, ok := e.Data["up"].(bool)
	if !ok {
		return
	}
	s.connected.Store(up)
}

func (s *InspectService) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.connected.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"waiting for device"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Read-only dump of every kind's store, in dependency order.
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		s.registry.Show(w)
	})

	return mux
}

func (s *InspectService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Inspect.Host, s.cfg.Inspect.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	log.Info().Str("addr", addr).Msg("Starting inspection server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Inspection server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Inspection server error")
	}
}
