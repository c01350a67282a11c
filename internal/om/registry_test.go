package om

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/dataplaned/dataplaned/internal/device"
)

// markerCmd records whether the registry's batched flush executed it.
type markerCmd struct {
	executed *bool
}

func (c *markerCmd) Exec(ctx context.Context) error {
	*c.executed = true
	return nil
}

func (c *markerCmd) String() string { return "marker" }

// fakeListener records the order in which the registry invokes it.
type fakeListener struct {
	order Order
	q     *device.Queue
	calls *[]Order

	replayed bool
}

func (l *fakeListener) Order() Order { return l.order }

func (l *fakeListener) Populate(ctx context.Context, namespace string) error {
	*l.calls = append(*l.calls, l.order)
	return nil
}

func (l *fakeListener) Replay(ctx context.Context) error {
	*l.calls = append(*l.calls, l.order)
	l.q.Enqueue(&markerCmd{executed: &l.replayed})
	return nil
}

func (l *fakeListener) Show(w io.Writer) {
	io.WriteString(w, l.order.stringForTest()+"\n")
}

func (o Order) stringForTest() string {
	switch o {
	case OrderTables:
		return "tables"
	case OrderACLs:
		return "acls"
	case OrderInterfaces:
		return "interfaces"
	}
	return "other"
}

func newRegistryWithListeners(t *testing.T) (*Registry, []*fakeListener, *[]Order) {
	t.Helper()

	q := device.NewQueue()
	r := NewRegistry(q)
	calls := &[]Order{}

	// Registered deliberately out of dependency order.
	listeners := []*fakeListener{
		{order: OrderInterfaces, q: q, calls: calls},
		{order: OrderTables, q: q, calls: calls},
		{order: OrderACLs, q: q, calls: calls},
	}
	for _, l := range listeners {
		r.Register(l)
	}
	return r, listeners, calls
}

func assertAscending(t *testing.T, calls []Order) {
	t.Helper()
	if len(calls) != 3 {
		t.Fatalf("got %d invocations, want 3", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if calls[i] < calls[i-1] {
			t.Fatalf("invocation order %v is not ascending", calls)
		}
	}
}

func TestPopulateRunsInDependencyOrder(t *testing.T) {
	r, _, calls := newRegistryWithListeners(t)

	if err := r.Populate(context.Background(), "default"); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	assertAscending(t, *calls)
}

func TestReplayRunsInOrderAndFlushesOnce(t *testing.T) {
	r, listeners, calls := newRegistryWithListeners(t)

	if err := r.Replay(context.Background()); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	assertAscending(t, *calls)

	// Each listener enqueued a marker; the registry's single batched flush
	// must have executed all of them before Replay returned.
	for _, l := range listeners {
		if !l.replayed {
			t.Fatalf("marker for order %d not flushed", l.order)
		}
	}
}

func TestShowRendersAllKinds(t *testing.T) {
	r, _, _ := newRegistryWithListeners(t)

	var b strings.Builder
	r.Show(&b)

	want := "tables\nacls\ninterfaces\n"
	if b.String() != want {
		t.Fatalf("Show rendered %q, want %q", b.String(), want)
	}
}
