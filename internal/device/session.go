package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// Pinger is the liveness surface of the device transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionConfig contains configuration for session reconnection.
type SessionConfig struct {
	PingInterval  time.Duration // Interval between liveness probes
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultSessionConfig returns sensible defaults for session supervision.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:  5 * time.Second,
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

// Session supervises the connection to the device. It probes liveness and
// reports connection establishment to the callback: the first connect is the
// discovery opportunity, every later one is a resync after loss.
type Session struct {
	pinger Pinger
	config SessionConfig

	// OnConnect is invoked on every established connection; reconnect is
	// false only for the first one. The session does not retry the callback:
	// resync failures are the callback's problem to surface.
	OnConnect func(ctx context.Context, sessionID string, reconnect bool) error

	// OnDisconnect is invoked when an established connection is lost.
	OnDisconnect func(sessionID string)
}

// NewSession creates a session supervisor over the given transport.
func NewSession(pinger Pinger, config SessionConfig) *Session {
	return &Session{
		pinger: pinger,
		config: config,
	}
}

// Run supervises the connection until the context is cancelled.
// Returns ErrMaxReconnectsExceeded if reconnect attempts run out.
func (s *Session) Run(ctx context.Context) error {
	retryCount := 0
	currentBackoff := s.config.MinBackoff
	connected := false
	everConnected := false
	sessionID := ""

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	probe := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, s.config.PingInterval)
		defer cancel()
		return s.pinger.Ping(pingCtx)
	}

	for {
		err := probe()

		switch {
		case err == nil && !connected:
			sessionID = uuid.NewString()
			log.Info().
				Str("session", sessionID).
				Bool("reconnect", everConnected).
				Msg("Device connected")

			if s.OnConnect != nil {
				if cbErr := s.OnConnect(ctx, sessionID, everConnected); cbErr != nil {
					// The connect is not consumed: a failed first-connect
					// resync (populate) must be retried as a first connect,
					// not silently downgraded to a replay.
					log.Error().Err(cbErr).Str("session", sessionID).Msg("Connect callback failed, retrying on next probe")
					break
				}
			}
			connected = true
			everConnected = true
			retryCount = 0
			currentBackoff = s.config.MinBackoff

		case err != nil && connected:
			log.Warn().Err(err).Str("session", sessionID).Msg("Device connection lost")
			if s.OnDisconnect != nil {
				s.OnDisconnect(sessionID)
			}
			connected = false

		case err != nil:
			if ctx.Err() != nil {
				return nil
			}

			retryCount++
			if s.config.MaxReconnects > 0 && retryCount > s.config.MaxReconnects {
				log.Error().
					Int("max_reconnects", s.config.MaxReconnects).
					Msg("Session: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Int("retry", retryCount).
				Msg("Device unreachable, retrying")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			nextBackoff := time.Duration(float64(currentBackoff) * s.config.Multiplier)
			if nextBackoff > s.config.MaxBackoff {
				nextBackoff = s.config.MaxBackoff
			}
			currentBackoff = nextBackoff
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
