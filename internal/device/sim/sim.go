// Package sim is an in-process forwarding engine used when no hardware is
// attached: it allocates handles, keeps the provisioned ACL tables, answers
// dumps, and emits async notifications keyed by handle.
package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dataplaned/dataplaned/internal/acl"
	"github.com/dataplaned/dataplaned/internal/device"
)

// ErrDown is returned for every operation while the engine is down.
var ErrDown = errors.New("device down")

// ErrNoSuchHandle is returned for operations on unknown handles.
var ErrNoSuchHandle = errors.New("no such handle")

// Notification is an async device event keyed by the handle it concerns.
type Notification struct {
	Handle device.Handle
	Kind   string // "provisioned" or "deleted"
}

type table struct {
	key   acl.Key
	rules []acl.Rule
}

// Engine is the simulated device. It implements acl.Client and
// device.Pinger.
type Engine struct {
	mu     sync.Mutex
	next   uint32
	tables map[device.Handle]table
	down   bool

	events chan Notification
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		tables: make(map[device.Handle]table),
		events: make(chan Notification, 64),
	}
}

// Ping implements device.Pinger.
func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return ErrDown
	}
	return nil
}

// Down simulates losing the device. Provisioned state survives; a real
// engine keeps its tables across a control-channel loss.
func (e *Engine) Down() {
	e.mu.Lock()
	e.down = true
	e.mu.Unlock()
	log.Warn().Msg("Simulated engine going down")
}

// Up restores reachability.
func (e *Engine) Up() {
	e.mu.Lock()
	e.down = false
	e.mu.Unlock()
	log.Info().Msg("Simulated engine back up")
}

// Reset restores reachability and wipes all provisioned state, as after a
// device reboot.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.down = false
	e.tables = make(map[device.Handle]table)
	e.mu.Unlock()
	log.Info().Msg("Simulated engine reset")
}

// AddReplace implements acl.Client.
func (e *Engine) AddReplace(ctx context.Context, h device.Handle, key acl.Key, rules []acl.Rule) (device.Handle, error) {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return device.InvalidHandle, ErrDown
	}

	if !h.Valid() {
		h = device.Handle(e.next)
		e.next++
	}
	e.tables[h] = table{key: key, rules: append([]acl.Rule(nil), rules...)}
	e.mu.Unlock()

	e.notify(Notification{Handle: h, Kind: "provisioned"})
	return h, nil
}

// Delete implements acl.Client.
func (e *Engine) Delete(ctx context.Context, h device.Handle) error {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return ErrDown
	}
	if _, ok := e.tables[h]; !ok {
		e.mu.Unlock()
		return ErrNoSuchHandle
	}
	delete(e.tables, h)
	e.mu.Unlock()

	e.notify(Notification{Handle: h, Kind: "deleted"})
	return nil
}

// Dump implements acl.Client.
func (e *Engine) Dump(ctx context.Context) ([]acl.DumpRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.down {
		return nil, ErrDown
	}

	records := make([]acl.DumpRecord, 0, len(e.tables))
	for h, t := range e.tables {
		records = append(records, acl.DumpRecord{
			Handle: h,
			Key:    t.key,
			Rules:  append([]acl.Rule(nil), t.rules...),
		})
	}
	return records, nil
}

// Events returns the async notification stream.
func (e *Engine) Events() <-chan Notification {
	return e.events
}

func (e *Engine) notify(n Notification) {
	select {
	case e.events <- n:
	default:
		// Slow consumer; the engine never blocks on notifications.
	}
}
