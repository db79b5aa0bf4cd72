// Package ports implements the typed port registry (spec.md §4.3, C3):
// allocation, conflict detection against both in-process state and the
// live OS, suggestions, history, and crash-atomic persistence.
package ports

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/kvstore"
)

// EventKind discriminates the events Registry publishes (spec.md §3 Event).
type EventKind int

const (
	EventPortAllocated EventKind = iota
	EventPortReleased
)

// Event is published on every ledger mutation to listeners registered
// with Subscribe, a plain callback rather than a generic pub/sub
// dependency, keeping this package's only external dependency on kvstore
// and the clock. The session manager registers no listener; it publishes
// its own port events on the event bus.
type Event struct {
	Kind      EventKind
	Port      int
	SessionID string
}

// Listener receives port events. Registry never blocks a caller on a slow
// listener — handlers are expected to enqueue and return quickly, matching
// the non-blocking-producer rule in spec.md §5.
type Listener func(Event)

// Registry is the single in-process authority for port allocation.
type Registry struct {
	mu    sync.Mutex
	store *kvstore.Store
	clock clockid.Clock
	log   *slog.Logger

	doc *ledgerDoc

	mu2       sync.Mutex // protects listeners independent of the mutation lock
	listeners []Listener
}

// Open loads (or initializes) the ledger from store and returns a ready
// Registry.
func Open(store *kvstore.Store, clock clockid.Clock, log *slog.Logger) (*Registry, error) {
	doc, corrupt, err := loadLedger(store)
	if err != nil {
		return nil, err
	}
	r := &Registry{store: store, clock: clock, log: log, doc: doc}
	if corrupt {
		log.Warn("port ledger file was corrupt, starting empty")
	}
	return r, nil
}

// Subscribe registers a listener for allocate/release events.
func (r *Registry) Subscribe(l Listener) {
	r.mu2.Lock()
	defer r.mu2.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) publish(ev Event) {
	r.mu2.Lock()
	ls := append([]Listener(nil), r.listeners...)
	r.mu2.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// AllocateResult is the success shape of Allocate.
type AllocateResult struct {
	Port int
}

// Allocate reserves a port for sessionID, following spec.md §4.3's
// contract. port == 0 means "caller did not request a specific port";
// scan the tagged range instead.
func (r *Registry) Allocate(port int, tag Tag, sessionID string) (AllocateResult, error) {
	if !isValidTag(tag) {
		return AllocateResult{}, devsuperr.New(devsuperr.ErrInvalidTag, "unknown port tag")
	}

	if port != 0 {
		return r.allocateExplicit(port, tag, sessionID)
	}
	return r.allocateFromRange(tag, sessionID)
}

func (r *Registry) allocateExplicit(port int, tag Tag, sessionID string) (AllocateResult, error) {
	if port < 1 || port > 65535 {
		return AllocateResult{}, devsuperr.New(devsuperr.ErrInvalidPort, "port out of [1,65535]")
	}
	if reservedRange.contains(port) {
		return AllocateResult{}, devsuperr.New(devsuperr.ErrPortSystemReserved, "port is in the reserved system range")
	}
	if tag != TagGeneric {
		rng, _ := rangeFor(tag)
		if !rng.contains(port) {
			r.mu.Lock()
			suggestions := r.suggestLocked(tag, 5, port)
			r.mu.Unlock()
			return AllocateResult{}, devsuperr.WithSuggestions(devsuperr.ErrPortOutOfRange,
				"port outside tagged range", suggestions)
		}
	}

	r.mu.Lock()
	if _, held := r.doc.Allocations[portKey(port)]; held {
		suggestions := r.suggestLocked(tag, 5, port)
		r.mu.Unlock()
		return AllocateResult{}, devsuperr.WithSuggestions(devsuperr.ErrPortAllocated,
			"port already allocated", suggestions)
	}
	r.mu.Unlock()

	// Probe the OS outside the lock (spec.md §4.3 "Concurrency").
	if !osBindProbe(port) {
		r.mu.Lock()
		suggestions := r.suggestLocked(tag, 5, port)
		r.mu.Unlock()
		return AllocateResult{}, devsuperr.WithSuggestions(devsuperr.ErrPortInUseExternally,
			"port is bound by a process devsupd did not spawn", suggestions)
	}

	r.mu.Lock()
	if _, held := r.doc.Allocations[portKey(port)]; held {
		// Lost the race while we probed; report as already-allocated.
		suggestions := r.suggestLocked(tag, 5, port)
		r.mu.Unlock()
		return AllocateResult{}, devsuperr.WithSuggestions(devsuperr.ErrPortAllocated,
			"port already allocated", suggestions)
	}
	r.commitLocked(port, tag, sessionID)
	r.mu.Unlock()

	r.publish(Event{Kind: EventPortAllocated, Port: port, SessionID: sessionID})
	return AllocateResult{Port: port}, nil
}

// allocateFromRange scans [Lo, Hi] in ascending order. The sequence,
// per spec.md §4.3, is: pick candidate under lock, release lock, probe OS,
// reacquire lock, commit if still free, else retry — bounded to |range|
// attempts.
func (r *Registry) allocateFromRange(tag Tag, sessionID string) (AllocateResult, error) {
	if tag == TagGeneric {
		return AllocateResult{}, devsuperr.New(devsuperr.ErrInvalidPort, "generic tag requires an explicit port")
	}
	rng, _ := rangeFor(tag)

	for port := rng.Lo; port <= rng.Hi; port++ {
		r.mu.Lock()
		_, held := r.doc.Allocations[portKey(port)]
		r.mu.Unlock()
		if held {
			continue
		}

		if !osBindProbe(port) {
			continue
		}

		r.mu.Lock()
		if _, held := r.doc.Allocations[portKey(port)]; held {
			r.mu.Unlock()
			continue
		}
		r.commitLocked(port, tag, sessionID)
		r.mu.Unlock()

		r.publish(Event{Kind: EventPortAllocated, Port: port, SessionID: sessionID})
		return AllocateResult{Port: port}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return AllocateResult{}, devsuperr.New(devsuperr.ErrNoFreePortInRange, "no free port in range")
}

// commitLocked records the allocation and persists the ledger. Must be
// called with r.mu held.
func (r *Registry) commitLocked(port int, tag Tag, sessionID string) {
	alloc := Allocation{
		Port:           port,
		OwnerSessionID: sessionID,
		ProjectTypeTag: tag,
		AllocatedAt:    time.Now(),
	}
	r.doc.Allocations[portKey(port)] = alloc
	r.doc.appendHistory(HistoryEvent{Ts: alloc.AllocatedAt, Kind: "allocated", Port: port, SessionID: sessionID})
	if err := persist(r.store, r.doc); err != nil {
		r.log.Error("failed to persist port ledger after allocate", "port", port, "error", err)
	}
}

// Release frees port, if owned by sessionID.
func (r *Registry) Release(port int, sessionID string) error {
	r.mu.Lock()
	alloc, ok := r.doc.Allocations[portKey(port)]
	if !ok {
		r.mu.Unlock()
		return devsuperr.New(devsuperr.ErrNotFound, "port not allocated")
	}
	if alloc.OwnerSessionID != sessionID {
		r.mu.Unlock()
		return devsuperr.New(devsuperr.ErrOwnershipMismatch, "port owned by a different session")
	}
	delete(r.doc.Allocations, portKey(port))
	r.doc.appendHistory(HistoryEvent{Ts: time.Now(), Kind: "released", Port: port, SessionID: sessionID})
	if err := persist(r.store, r.doc); err != nil {
		r.log.Error("failed to persist port ledger after release", "port", port, "error", err)
	}
	r.mu.Unlock()

	r.publish(Event{Kind: EventPortReleased, Port: port, SessionID: sessionID})
	return nil
}

// ReleaseAllFor releases every allocation owned by sessionID and returns
// the count released.
func (r *Registry) ReleaseAllFor(sessionID string) int {
	r.mu.Lock()
	var ports []int
	for _, a := range r.doc.Allocations {
		if a.OwnerSessionID == sessionID {
			ports = append(ports, a.Port)
		}
	}
	r.mu.Unlock()

	for _, p := range ports {
		_ = r.Release(p, sessionID)
	}
	return len(ports)
}

// GetAllocation returns the allocation for port, if any.
func (r *Registry) GetAllocation(port int) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.doc.Allocations[portKey(port)]
	return a, ok
}

// ListByTag returns all live allocations matching tag.
func (r *Registry) ListByTag(tag Tag) []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Allocation
	for _, a := range r.doc.Allocations {
		if a.ProjectTypeTag == tag {
			out = append(out, a)
		}
	}
	return out
}

// Check reports whether port is currently available: neither held by the
// registry nor OS-bound by anyone.
func (r *Registry) Check(port int) (available bool, reason string) {
	r.mu.Lock()
	_, held := r.doc.Allocations[portKey(port)]
	r.mu.Unlock()
	if held {
		return false, string(devsuperr.ErrPortAllocated)
	}
	if !osBindProbe(port) {
		return false, string(devsuperr.ErrPortInUseExternally)
	}
	return true, ""
}

// Suggest returns up to count unheld, not-OS-bound ports in tag's range,
// ascending from the low end of the range (there is no conflicting port
// to measure distance against for a bare suggestion request).
func (r *Registry) Suggest(tag Tag, count int) ([]int, error) {
	if !isValidTag(tag) || tag == TagGeneric {
		return nil, devsuperr.New(devsuperr.ErrInvalidTag, "suggestions require a ranged tag")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suggestLocked(tag, count, 0), nil
}

// suggestLocked returns up to count unheld, not-OS-bound ports in tag's
// range. When near is nonzero the results are ordered by numeric
// distance to near (spec.md §4.3 "closest by numeric distance" to the
// conflicting port); near == 0 orders ascending from the range's low end.
func (r *Registry) suggestLocked(tag Tag, count int, near int) []int {
	if tag == TagGeneric {
		return nil
	}
	rng, ok := rangeFor(tag)
	if !ok {
		return nil
	}
	var candidates []int
	for port := rng.Lo; port <= rng.Hi; port++ {
		if _, held := r.doc.Allocations[portKey(port)]; held {
			continue
		}
		if !osBindProbe(port) {
			continue
		}
		candidates = append(candidates, port)
	}
	if near != 0 {
		sort.Slice(candidates, func(i, j int) bool {
			di, dj := distance(candidates[i], near), distance(candidates[j], near)
			if di != dj {
				return di < dj
			}
			return candidates[i] < candidates[j]
		})
	}
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

func distance(a, b int) int {
	if a < b {
		return b - a
	}
	return a - b
}

// GCOrphans releases every allocation whose port is not currently OS-bound
// by anyone. Safe because no healthy session holds a port it is not
// listening on (spec.md §4.3). Returns the released ports.
func (r *Registry) GCOrphans() []int {
	r.mu.Lock()
	var candidates []Allocation
	for _, a := range r.doc.Allocations {
		candidates = append(candidates, a)
	}
	r.mu.Unlock()

	var released []int
	for _, a := range candidates {
		if osBindProbe(a.Port) {
			// Nothing bound to it — release outside holding the probe.
			r.mu.Lock()
			if cur, ok := r.doc.Allocations[portKey(a.Port)]; ok && cur.OwnerSessionID == a.OwnerSessionID {
				delete(r.doc.Allocations, portKey(a.Port))
				r.doc.appendHistory(HistoryEvent{Ts: time.Now(), Kind: "gc_orphan", Port: a.Port, SessionID: a.OwnerSessionID})
				if err := persist(r.store, r.doc); err != nil {
					r.log.Error("failed to persist port ledger after gc", "port", a.Port, "error", err)
				}
				released = append(released, a.Port)
			}
			r.mu.Unlock()
			r.publish(Event{Kind: EventPortReleased, Port: a.Port, SessionID: a.OwnerSessionID})
		}
	}
	return released
}
