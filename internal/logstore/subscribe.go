package logstore

import "regexp"

// Item is what a subscription channel delivers: either an Entry or a
// Lagged sentinel, never both (spec.md §3 Event "Events are cheap to
// drop").
type Item struct {
	Entry  *Entry
	Lagged *Lagged
}

// Subscription is a cancelable, lazy sequence of Items.
type Subscription struct {
	C      <-chan Item
	cancel func()
}

// Cancel releases the subscriber slot and its queue immediately
// (spec.md §5 "Cancellation").
func (s *Subscription) Cancel() { s.cancel() }

type subscription struct {
	ch     chan Item
	filter *regexp.Regexp
	bound  int

	closeOnce chan struct{}
}

// deliver is called by ring.append and Store.Subscribe while they hold the
// ring lock. It never blocks: a full channel triggers lag accounting
// (spec.md §4.4 "Concurrency").
func (s *subscription) deliver(e *Entry) {
	if s.filter != nil && !s.filter.MatchString(decodeForMatch(e.Bytes)) {
		return
	}
	select {
	case s.ch <- Item{Entry: e}:
	default:
		s.recordLag()
	}
}

// recordLag drops the oldest queued item to make room for a Lagged
// sentinel, matching the event bus's "drop oldest, emit Lagged" policy
// (spec.md §4.7). Dropped counts the entry that did not fit plus the
// dropped item, or plus its count when the dropped item is itself a
// Lagged. Only a sentinel at the head of the queue is merged this way, so
// a subscriber that stays behind can find several sentinels queued.
func (s *subscription) recordLag() {
	dropped := 1 // the entry that did not fit
	select {
	case old := <-s.ch:
		if old.Lagged != nil {
			dropped += old.Lagged.Dropped
		} else {
			dropped++
		}
	default:
	}
	select {
	case s.ch <- Item{Lagged: &Lagged{Dropped: dropped}}:
	default:
		// Queue refilled concurrently; best effort only, per spec.md's
		// "cheap to drop" event semantics.
	}
}
