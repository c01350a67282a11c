package storage

import (
	"path/filepath"
	"testing"

	"github.com/dataplaned/dataplaned/internal/db"
)

type testState struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *TypedStore[testState] {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return NewTypedStore[testState](NewStore(d.DB), "test")
}

func TestSetBumpsVersion(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("a", testState{Name: "first"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v1, version, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v1.Name != "first" || version != 1 {
		t.Fatalf("got %+v v%d, want first v1", v1, version)
	}

	if err := s.Set("a", testState{Name: "second", Count: 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v2, version, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v2.Name != "second" || v2.Count != 2 || version != 2 {
		t.Fatalf("got %+v v%d, want second v2", v2, version)
	}
}

func TestGetMissingReturnsZero(t *testing.T) {
	s := newTestStore(t)

	v, version, err := s.Get("absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != (testState{}) || version != 0 {
		t.Fatalf("got %+v v%d, want zero value v0", v, version)
	}
}

func TestGetDirtyTracksVersions(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("a", testState{Name: "a"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("b", testState{Name: "b"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	dirty, err := s.GetDirty(nil)
	if err != nil {
		t.Fatalf("GetDirty: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("dirty = %v, want both fresh entries", dirty)
	}

	dirty, err = s.GetDirty(map[string]int64{"a": 1, "b": 1})
	if err != nil {
		t.Fatalf("GetDirty: %v", err)
	}
	if len(dirty) != 0 {
		t.Fatalf("dirty = %v, want none at tracked versions", dirty)
	}

	if err := s.Set("b", testState{Name: "b2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	dirty, err = s.GetDirty(map[string]int64{"a": 1, "b": 1})
	if err != nil {
		t.Fatalf("GetDirty: %v", err)
	}
	if len(dirty) != 1 || dirty[0] != "b" {
		t.Fatalf("dirty = %v, want [b]", dirty)
	}
}

func TestDeleteDropsFromVersions(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("a", testState{Name: "a"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	versions, err := s.Versions()
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if _, ok := versions["a"]; ok {
		t.Fatalf("deleted entry still listed: %v", versions)
	}
}

func TestKindsAreIsolated(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()

	base := NewStore(d.DB)
	acls := NewTypedStore[testState](base, "acl")
	other := NewTypedStore[testState](base, "other")

	if err := acls.Set("x", testState{Name: "acl"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := other.Set("x", testState{Name: "other"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := acls.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	v, version, err := other.Get("x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if version == 0 || v.Name != "other" {
		t.Fatalf("clear of one kind disturbed another: %+v v%d", v, version)
	}
}
