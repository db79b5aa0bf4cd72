// Package clockid provides the monotonic clock and sortable id generation
// used throughout devsupd (spec.md §4.1, C1). Log and event ordering must
// never depend on wall time, which can jump; every sequencing decision in
// the rest of the tree is built on the monotonic half of Clock.Now.
package clockid

import (
	"time"

	"github.com/google/uuid"
)

// Clock exposes the two time readings devsupd needs: a wall clock for
// display and a monotonic clock for ordering. The default implementation
// wraps time.Now, whose returned Time already carries a monotonic reading
// on every platform devsupd targets.
type Clock interface {
	Now() Reading
}

// Reading pairs a wall-clock millisecond timestamp with a monotonic
// nanosecond counter, per spec.md's LogEntry.ts field.
type Reading struct {
	WallMs     int64
	MonotonicNs int64
}

type systemClock struct {
	start time.Time
}

// System returns a Clock anchored at construction time, so MonotonicNs is
// a process-relative nanosecond counter (never wraps, never jumps).
func System() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Now() Reading {
	now := time.Now()
	return Reading{
		WallMs:      now.UnixMilli(),
		MonotonicNs: now.Sub(c.start).Nanoseconds(),
	}
}

// NewID returns a lexicographically sortable, coordination-free id.
// UUIDv7 embeds a 48-bit millisecond timestamp ahead of random bits, which
// gives creation-time ordering without a central counter — the ULID-style
// property spec.md §4.1 asks for.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if crypto/rand is broken; fall back to a
		// random v4 id (unique, not time-sortable) rather than panicking.
		return uuid.NewString()
	}
	return id.String()
}
