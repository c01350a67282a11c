package device

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Command is a single serialized device operation. Exec runs the command
// against the device and records the outcome on whatever Item the command
// carries; an Exec error never aborts sibling commands in the same flush.
type Command interface {
	Exec(ctx context.Context) error
	String() string
}

// Queue batches device commands. Enqueue only appends; nothing reaches the
// device until Flush, which executes every pending command in enqueue order
// and blocks until all of them have results.
//
// All enqueue/flush callers are expected to share one logical control flow;
// the mutex only protects the pending slice against the odd background
// trigger, it is not a concurrent-writer design.
type Queue struct {
	mu       sync.Mutex
	pending  []Command
	disabled bool
}

// NewQueue creates an empty, enabled command queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a command for the next flush. While the queue is disabled
// (discovery passes) commands are dropped so that reconstruction of remote
// state cannot generate device writes.
func (q *Queue) Enqueue(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.disabled {
		log.Debug().Str("cmd", cmd.String()).Msg("Queue disabled, dropping command")
		return
	}
	q.pending = append(q.pending, cmd)
}

// Flush executes all pending commands in enqueue order and returns once
// every command has a result. A failing command surfaces its error in the
// joined return value but does not stop the batch.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var errs []error
	for _, cmd := range batch {
		if err := cmd.Exec(ctx); err != nil {
			log.Warn().Err(err).Str("cmd", cmd.String()).Msg("Command failed")
			errs = append(errs, err)
			continue
		}
		log.Debug().Str("cmd", cmd.String()).Msg("Command executed")
	}

	return errors.Join(errs...)
}

// Disable makes Enqueue drop commands until Enable is called.
func (q *Queue) Disable() {
	q.mu.Lock()
	q.disabled = true
	q.mu.Unlock()
}

// Enable re-arms the queue after a Disable.
func (q *Queue) Enable() {
	q.mu.Lock()
	q.disabled = false
	q.mu.Unlock()
}

// Len returns the number of commands awaiting flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
