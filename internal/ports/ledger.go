package ports

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/kvstore"
)

// ledgerKey is the kvstore key the registry persists under.
const ledgerKey = "ports.json"

// maxHistory bounds the FIFO event history kept alongside the ledger
// (spec.md §4.3 "Persistence": N = 100).
const maxHistory = 100

// Allocation is the exported, immutable view of a live port allocation
// (spec.md §3 PortAllocation). ownerSessionId is by value, never by
// pointer, so Allocation carries no reference back into the session map
// (spec.md §9 "Cycle avoidance").
type Allocation struct {
	Port           int       `json:"port"`
	OwnerSessionID string    `json:"ownerSessionId"`
	ProjectTypeTag Tag       `json:"projectTypeTag"`
	AllocatedAt    time.Time `json:"allocatedAt"`
}

// HistoryEvent records one ledger mutation for diagnostics
// (spec.md §6 "Persisted state layout").
type HistoryEvent struct {
	Ts        time.Time `json:"ts"`
	Kind      string    `json:"kind"` // "allocated" | "released" | "gc_orphan"
	Port      int       `json:"port"`
	SessionID string    `json:"sessionId"`
}

// ledgerDoc is the on-disk JSON shape (spec.md §6).
type ledgerDoc struct {
	Version     int                `json:"version"`
	Allocations map[string]Allocation `json:"allocations"`
	History     []HistoryEvent     `json:"history"`
}

func newLedgerDoc() *ledgerDoc {
	return &ledgerDoc{
		Version:     1,
		Allocations: make(map[string]Allocation),
	}
}

func (d *ledgerDoc) appendHistory(ev HistoryEvent) {
	d.History = append(d.History, ev)
	if len(d.History) > maxHistory {
		d.History = d.History[len(d.History)-maxHistory:]
	}
}

// persist serializes doc via the atomic kv store. IO failures are
// surfaced to the caller but never roll back the in-memory mutation that
// preceded the call (spec.md §4.3 "Failure semantics").
func persist(store *kvstore.Store, doc *ledgerDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return devsuperr.Wrap(devsuperr.ErrIO, "marshal port ledger", err)
	}
	if err := store.Save(ledgerKey, data); err != nil {
		return err
	}
	return nil
}

// loadLedger reads the ledger from store. A missing or corrupt file yields
// an empty ledger rather than an error, per spec.md §4.3: "On startup,
// load; if the file is absent or corrupt, start empty and log a system
// event." corrupt reports whether the file existed but failed to parse, so
// the caller can emit that system event.
func loadLedger(store *kvstore.Store) (doc *ledgerDoc, corrupt bool, err error) {
	data, ok, err := store.Load(ledgerKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return newLedgerDoc(), false, nil
	}
	var d ledgerDoc
	if jsonErr := json.Unmarshal(data, &d); jsonErr != nil {
		return newLedgerDoc(), true, nil
	}
	if d.Allocations == nil {
		d.Allocations = make(map[string]Allocation)
	}
	return &d, false, nil
}

func portKey(port int) string { return strconv.Itoa(port) }
