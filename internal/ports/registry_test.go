package ports

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/kvstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	r, err := Open(store, clockid.System(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestAllocateFromRangePicksLowestFree(t *testing.T) {
	r := newTestRegistry(t)
	res, err := r.Allocate(0, TagNode, "s1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.Port < 3000 || res.Port > 3999 {
		t.Fatalf("expected a node-range port, got %d", res.Port)
	}
	for p := 3000; p < res.Port; p++ {
		if osBindProbe(p) {
			t.Fatalf("port %d was free but %d was picked", p, res.Port)
		}
	}
}

func TestAllocateReservedRangeRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Allocate(2650, TagGeneric, "s1")
	if got := errKind(err); got != "ErrPortSystemReserved" {
		t.Fatalf("expected ErrPortSystemReserved, got %v", got)
	}
}

func TestAllocateOutOfTaggedRangeRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Allocate(5000, TagNode, "s1")
	if got := errKind(err); got != "ErrPortOutOfRange" {
		t.Fatalf("expected ErrPortOutOfRange, got %v", got)
	}
}

func TestAllocateAlreadyAllocatedWithSuggestions(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Allocate(3000, TagNode, "s1"); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	_, err := r.Allocate(3000, TagNode, "s2")
	e := asDevsupErr(t, err)
	if e.Kind != "ErrPortAllocated" {
		t.Fatalf("expected ErrPortAllocated, got %v", e.Kind)
	}
	if len(e.Suggestions) == 0 || e.Suggestions[0] == 3000 {
		t.Fatalf("expected suggestions skipping 3000, got %v", e.Suggestions)
	}
}

func TestAllocateInUseExternally(t *testing.T) {
	r := newTestRegistry(t)
	ln, err := net.Listen("tcp", "127.0.0.1:3011")
	if err != nil {
		t.Skipf("could not bind test port: %v", err)
	}
	defer ln.Close()

	_, err = r.Allocate(3011, TagNode, "s1")
	if got := errKind(err); got != "ErrPortInUseExternally" {
		t.Fatalf("expected ErrPortInUseExternally, got %v", got)
	}
}

func TestReleaseOwnershipMismatch(t *testing.T) {
	r := newTestRegistry(t)
	res, _ := r.Allocate(3000, TagNode, "s1")
	err := r.Release(res.Port, "s2")
	if got := errKind(err); got != "ErrOwnershipMismatch" {
		t.Fatalf("expected ErrOwnershipMismatch, got %v", got)
	}
}

func TestReleaseThenCheckAvailable(t *testing.T) {
	r := newTestRegistry(t)
	res, _ := r.Allocate(3000, TagNode, "s1")
	if err := r.Release(res.Port, "s1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	available, _ := r.Check(res.Port)
	if !available {
		t.Fatal("expected port to be available after release")
	}
}

func TestReleaseAllForCount(t *testing.T) {
	r := newTestRegistry(t)
	r.Allocate(3000, TagNode, "s1")
	r.Allocate(3001, TagNode, "s1")
	r.Allocate(3002, TagNode, "s2")

	n := r.ReleaseAllFor("s1")
	if n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	if _, ok := r.GetAllocation(3002); !ok {
		t.Fatal("s2's allocation should be untouched")
	}
}

func TestLedgerRoundTripsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, _ := kvstore.Open(dir)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	r1, _ := Open(store, clockid.System(), log)
	r1.Allocate(3000, TagNode, "s1")

	store2, _ := kvstore.Open(dir)
	r2, err := Open(store2, clockid.System(), log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	a, ok := r2.GetAllocation(3000)
	if !ok || a.OwnerSessionID != "s1" {
		t.Fatalf("expected allocation to survive reopen, got %+v ok=%v", a, ok)
	}
}

func TestAllocateConflictSuggestsNearestByDistance(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Allocate(3500, TagNode, "s1"); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	_, err := r.Allocate(3500, TagNode, "s2")
	e := asDevsupErr(t, err)
	if len(e.Suggestions) == 0 {
		t.Fatalf("expected suggestions, got none")
	}
	got := e.Suggestions[0]
	if got != 3499 && got != 3501 {
		t.Fatalf("expected the nearest free port to 3500, got %d (suggestions %v)", got, e.Suggestions)
	}
	for i := 1; i < len(e.Suggestions); i++ {
		prev := distance(e.Suggestions[i-1], 3500)
		cur := distance(e.Suggestions[i], 3500)
		if cur < prev {
			t.Fatalf("suggestions not ordered by distance: %v", e.Suggestions)
		}
	}
}

func errKind(err error) string {
	return string(devsuperr.KindOf(err))
}

func asDevsupErr(t *testing.T, err error) *devsuperr.Error {
	t.Helper()
	var e *devsuperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a *devsuperr.Error, got %v (%T)", err, err)
	}
	return e
}
