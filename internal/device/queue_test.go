package device

import (
	"context"
	"fmt"
	"testing"
)

type recordCmd struct {
	name string
	fail bool
	log  *[]string
}

func (c *recordCmd) Exec(ctx context.Context) error {
	*c.log = append(*c.log, c.name)
	if c.fail {
		return fmt.Errorf("%s failed", c.name)
	}
	return nil
}

func (c *recordCmd) String() string { return c.name }

func TestFlushPreservesEnqueueOrder(t *testing.T) {
	q := NewQueue()
	var got []string

	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(&recordCmd{name: name, log: &got})
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained after flush")
	}
}

func TestFlushContinuesPastFailures(t *testing.T) {
	q := NewQueue()
	var got []string

	q.Enqueue(&recordCmd{name: "a", fail: true, log: &got})
	q.Enqueue(&recordCmd{name: "b", log: &got})
	q.Enqueue(&recordCmd{name: "c", fail: true, log: &got})

	err := q.Flush(context.Background())
	if err == nil {
		t.Fatalf("expected joined error from failed commands")
	}
	if len(got) != 3 {
		t.Fatalf("a failure aborted the batch: executed %v", got)
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		t.Fatalf("flush error is not a joined error: %v", err)
	}
	if len(joined.Unwrap()) != 2 {
		t.Fatalf("joined error carries %d failures, want 2", len(joined.Unwrap()))
	}
}

func TestDisableDropsCommands(t *testing.T) {
	q := NewQueue()
	var got []string

	q.Disable()
	q.Enqueue(&recordCmd{name: "dropped", log: &got})
	q.Enable()
	q.Enqueue(&recordCmd{name: "kept", log: &got})

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(got) != 1 || got[0] != "kept" {
		t.Fatalf("executed %v, want only the command enqueued while enabled", got)
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	q := NewQueue()
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flushing an empty queue: %v", err)
	}
}

func TestItemLifecycle(t *testing.T) {
	item := NewItem(InvalidHandle, ResultUnset)
	if item.OK() {
		t.Fatalf("unprovisioned item reports OK")
	}

	item.Set(Handle(3), ResultOK)
	if !item.OK() || !item.Data().Valid() {
		t.Fatalf("provisioned item not OK: %v", item)
	}

	item.Set(InvalidHandle, ResultUnset)
	if item.OK() || item.RC() != ResultUnset || item.Data().Valid() {
		t.Fatalf("invalidated item still provisioned: %v", item)
	}
}
