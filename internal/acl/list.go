package acl

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dataplaned/dataplaned/internal/device"
)

// List is one managed access-control list: the desired rule set, the
// caller-chosen key and the device-assigned handle. Instances obtained
// through Set are canonical; two lookups of the same key always return the
// same *List until it is released.
//
// mu guards hdl and rules. Command execution, handle-index lookups from
// the event path and inspection rendering all run on goroutines other
// than the reconciler's.
type List struct {
	key Key

	mu    sync.Mutex
	hdl   device.Item[device.Handle]
	rules RuleSet
}

// NewList creates an unprovisioned list with the given desired rules.
func NewList(key Key, rules ...Rule) *List {
	l := &List{
		key:   key,
		hdl:   device.NewItem(device.InvalidHandle, device.ResultUnset),
		rules: make(RuleSet),
	}
	for _, r := range rules {
		l.Insert(r)
	}
	return l
}

// fromDump reconstructs a list from a device dump record.
func fromDump(rec DumpRecord) *List {
	l := NewList(rec.Key, rec.Rules...)
	l.hdl.Set(rec.Handle, device.ResultOK)
	return l
}

// Key returns the list's identity.
func (l *List) Key() Key {
	return l.key
}

// Handle returns the device handle item, including the result of the last
// provisioning attempt.
func (l *List) Handle() device.Item[device.Handle] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hdl
}

// setHandle records a provisioning outcome. Called from command execution.
func (l *List) setHandle(h device.Handle, rc device.Result) {
	l.mu.Lock()
	l.hdl.Set(h, rc)
	l.mu.Unlock()
}

// Rules returns a copy of the stored desired rule set.
func (l *List) Rules() RuleSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rules.clone()
}

// Insert adds a rule to the local desired set. No device interaction.
func (l *List) Insert(r Rule) {
	l.mu.Lock()
	l.rules[r.Priority] = r
	l.mu.Unlock()
}

// Remove drops a rule from the local desired set. No device interaction.
func (l *List) Remove(r Rule) {
	l.mu.Lock()
	delete(l.rules, r.Priority)
	l.mu.Unlock()
}

// Update diffs desired content against the stored rule set and enqueues a
// single full-state push if they differ, or if the last provisioning
// attempt did not succeed (retry). The stored set is always overwritten
// with the desired one afterward: rule priority cannot be read back from
// the device, so the store, not the device, is authoritative for it.
// desired is the caller's unpublished instance and is read without a lock.
func (l *List) Update(desired *List, s *Set) {
	l.mu.Lock()
	changed := !l.hdl.OK() || !l.rules.Equal(desired.rules)
	l.rules = desired.rules.clone()
	l.mu.Unlock()

	if changed {
		s.q.Enqueue(&updateCmd{
			client: s.client,
			index:  s.handles,
			list:   l,
			rules:  desired.rules.Sorted(),
		})
	}
}

// Sweep tears the list down on the device: if the handle is valid it
// enqueues a delete and flushes synchronously, so device-side removal has
// completed (or failed observably) before the caller releases the list's
// identity. The returned error is the flush outcome.
func (l *List) Sweep(ctx context.Context, s *Set) error {
	if l.Handle().Data().Valid() {
		s.q.Enqueue(&deleteCmd{
			client: s.client,
			index:  s.handles,
			list:   l,
		})
	}
	return s.q.Flush(ctx)
}

// Replay drops the device-side identity after a connection loss and
// re-enqueues a full push of the retained desired rules. It does not
// flush: the caller batches one flush across all kinds.
func (l *List) Replay(s *Set) {
	l.mu.Lock()
	if !l.hdl.Data().Valid() {
		l.mu.Unlock()
		return
	}
	old := l.hdl.Data()
	l.hdl.Set(device.InvalidHandle, device.ResultUnset)
	rules := l.rules.Sorted()
	l.mu.Unlock()

	s.handles.Remove(old)
	s.q.Enqueue(&updateCmd{
		client: s.client,
		index:  s.handles,
		list:   l,
		rules:  rules,
	})
}

// adopt overwrites handle and rules with ground truth discovered on the
// device. Used only by the populate/commit path; discovered is the dump
// reconstruction and is not shared.
func (l *List) adopt(discovered *List) {
	l.mu.Lock()
	l.hdl = discovered.hdl
	l.rules = discovered.rules.clone()
	l.mu.Unlock()
}

func (l *List) String() string {
	l.mu.Lock()
	hdl := l.hdl
	rules := l.rules.Sorted()
	l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "acl-list:[%s %s rules:[", l.key, hdl)
	for _, r := range rules {
		b.WriteString(r.String())
		b.WriteString(" ")
	}
	b.WriteString("]]")
	return b.String()
}
