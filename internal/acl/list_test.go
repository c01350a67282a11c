package acl

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/dataplaned/dataplaned/internal/device"
)

// pushCall is one AddReplace observed by the fake device.
type pushCall struct {
	handle device.Handle
	key    Key
	rules  []Rule
}

// fakeClient simulates the device side of the ACL protocol for tests.
type fakeClient struct {
	mu      sync.Mutex
	next    uint32
	pushes  []pushCall
	deletes []device.Handle
	dump    []DumpRecord

	failPush   bool
	failDelete bool
}

func (c *fakeClient) AddReplace(ctx context.Context, h device.Handle, key Key, rules []Rule) (device.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failPush {
		return device.InvalidHandle, fmt.Errorf("device rejected push")
	}

	if !h.Valid() {
		h = device.Handle(c.next)
		c.next++
	}
	c.pushes = append(c.pushes, pushCall{handle: h, key: key, rules: append([]Rule(nil), rules...)})
	return h, nil
}

func (c *fakeClient) Delete(ctx context.Context, h device.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failDelete {
		return fmt.Errorf("device rejected delete")
	}
	c.deletes = append(c.deletes, h)
	return nil
}

func (c *fakeClient) Dump(ctx context.Context) ([]DumpRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DumpRecord(nil), c.dump...), nil
}

func (c *fakeClient) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

func (c *fakeClient) lastPush() pushCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[len(c.pushes)-1]
}

func newTestSet() (*Set, *fakeClient) {
	fc := &fakeClient{}
	return NewSet(device.NewQueue(), fc), fc
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func mustMac(t *testing.T, s string) MacAddr {
	t.Helper()
	m, err := ParseMac(s)
	if err != nil {
		t.Fatalf("ParseMac(%q): %v", s, err)
	}
	return m
}

func permitRule(t *testing.T, prio uint32, src string) Rule {
	t.Helper()
	return Rule{
		Priority: prio,
		Action:   ActionPermit,
		Src:      mustPrefix(t, src),
		Mac:      mustMac(t, "02:00:00:00:00:01"),
		MacMask:  mustMac(t, "ff:ff:ff:ff:ff:ff"),
	}
}

func TestUpdateIdempotence(t *testing.T) {
	ctx := context.Background()
	set, fc := newTestSet()

	r1 := permitRule(t, 10, "10.0.0.0/8")

	l, err := set.Apply(ctx, NewList("k", r1))
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if fc.pushCount() != 1 {
		t.Fatalf("first Apply enqueued %d pushes, want 1", fc.pushCount())
	}
	if !l.Handle().OK() {
		t.Fatalf("handle not OK after successful push: %v", l.Handle())
	}

	if _, err := set.Apply(ctx, NewList("k", r1)); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if fc.pushCount() != 1 {
		t.Fatalf("identical desired state pushed again: %d pushes", fc.pushCount())
	}
}

func TestUpdateCarriesFullRuleSet(t *testing.T) {
	ctx := context.Background()
	set, fc := newTestSet()

	ruleA := permitRule(t, 10, "10.0.0.0/8")
	ruleB := permitRule(t, 20, "192.168.0.0/16")

	if _, err := set.Apply(ctx, NewList("k", ruleA)); err != nil {
		t.Fatalf("Apply {A}: %v", err)
	}
	if _, err := set.Apply(ctx, NewList("k", ruleA, ruleB)); err != nil {
		t.Fatalf("Apply {A,B}: %v", err)
	}

	push := fc.lastPush()
	if len(push.rules) != 2 {
		t.Fatalf("push carried %d rules, want the full set of 2", len(push.rules))
	}
	if push.rules[0] != ruleA || push.rules[1] != ruleB {
		t.Fatalf("push payload %v, want full desired set in priority order", push.rules)
	}
}

func TestUpdateRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	set, fc := newTestSet()

	r1 := permitRule(t, 10, "10.0.0.0/8")

	fc.failPush = true
	l, err := set.Apply(ctx, NewList("k", r1))
	if err == nil {
		t.Fatalf("expected push failure to surface from Apply")
	}
	if l.Handle().RC() != device.ResultError {
		t.Fatalf("failure not recorded on handle: %v", l.Handle())
	}

	// Same desired state again: the non-OK result code forces a re-push.
	fc.failPush = false
	if _, err := set.Apply(ctx, NewList("k", r1)); err != nil {
		t.Fatalf("retry Apply: %v", err)
	}
	if fc.pushCount() != 1 {
		t.Fatalf("retry did not reach the device: %d pushes", fc.pushCount())
	}
	if !l.Handle().OK() {
		t.Fatalf("handle not OK after retry: %v", l.Handle())
	}
}

func TestReplayResetsIdentityWithoutFlush(t *testing.T) {
	ctx := context.Background()
	set, fc := newTestSet()

	r1 := permitRule(t, 10, "10.0.0.0/8")
	l, err := set.Apply(ctx, NewList("k", r1))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	oldHandle := l.Handle().Data()

	l.Replay(set)

	if l.Handle().Data().Valid() {
		t.Fatalf("replay left the handle valid")
	}
	if _, ok := set.FindByHandle(oldHandle); ok {
		t.Fatalf("old handle still resolves after replay")
	}
	if fc.pushCount() != 1 {
		t.Fatalf("replay flushed by itself: %d pushes", fc.pushCount())
	}
	if set.q.Len() != 1 {
		t.Fatalf("replay enqueued %d commands, want 1", set.q.Len())
	}

	// Caller-driven batched flush provisions the new handle.
	if err := set.q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	push := fc.lastPush()
	if len(push.rules) != 1 || push.rules[0] != r1 {
		t.Fatalf("replay push payload %v, want the full stored set", push.rules)
	}
	if got, ok := set.FindByHandle(l.Handle().Data()); !ok || got != l {
		t.Fatalf("new handle not registered in index after flush")
	}
}

func TestReplayOnUnprovisionedListIsNoop(t *testing.T) {
	set, fc := newTestSet()

	l := set.Singular(NewList("k", permitRule(t, 10, "10.0.0.0/8")))
	l.Replay(set)

	if set.q.Len() != 0 || fc.pushCount() != 0 {
		t.Fatalf("replay of an unprovisioned list touched the device")
	}
}

func TestListLifecycle(t *testing.T) {
	ctx := context.Background()
	set, fc := newTestSet()

	// Empty list still gets provisioned: the handle is the identity the
	// device hands out, rules or not.
	l, err := set.Apply(ctx, NewList("acl-1"))
	if err != nil {
		t.Fatalf("Apply empty: %v", err)
	}
	if !l.Handle().Data().Valid() || fc.pushCount() != 1 {
		t.Fatalf("empty list not provisioned: handle %v, %d pushes", l.Handle(), fc.pushCount())
	}
	if len(fc.lastPush().rules) != 0 {
		t.Fatalf("empty list pushed rules %v", fc.lastPush().rules)
	}

	r1 := permitRule(t, 10, "10.0.0.0/8")
	if _, err := set.Apply(ctx, NewList("acl-1", r1)); err != nil {
		t.Fatalf("Apply {R1}: %v", err)
	}
	if fc.pushCount() != 2 {
		t.Fatalf("rule change pushed %d times, want 2 total", fc.pushCount())
	}
	if got := fc.lastPush().rules; len(got) != 1 || got[0] != r1 {
		t.Fatalf("push payload %v, want {R1}", got)
	}

	h := l.Handle().Data()
	if err := set.Release(ctx, l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(fc.deletes) != 1 || fc.deletes[0] != h {
		t.Fatalf("deletes %v, want [%v]", fc.deletes, h)
	}
	if _, ok := set.Find("acl-1"); ok {
		t.Fatalf("key survives release")
	}
}

func TestInsertRemoveAreLocal(t *testing.T) {
	set, fc := newTestSet()

	l := set.Singular(NewList("k"))
	r1 := permitRule(t, 10, "10.0.0.0/8")

	l.Insert(r1)
	l.Remove(r1)

	if fc.pushCount() != 0 || set.q.Len() != 0 {
		t.Fatalf("local rule mutation reached the device")
	}
	if len(l.Rules()) != 0 {
		t.Fatalf("rules %v, want empty after insert+remove", l.Rules())
	}
}
