package eventbus

import "sync"

// DefaultSubscriberBound is the per-subscriber queue depth (spec.md §4.7).
const DefaultSubscriberBound = 256

// Bus fans out Events to subscribers filtered by session id, plus a
// global "all" topic that sees every event regardless of session.
type Bus struct {
	mu    sync.Mutex
	subs  map[*subscriber]struct{}
	bound int
}

// New creates a Bus. bound <= 0 uses DefaultSubscriberBound.
func New(bound int) *Bus {
	if bound <= 0 {
		bound = DefaultSubscriberBound
	}
	return &Bus{subs: make(map[*subscriber]struct{}), bound: bound}
}

type subscriber struct {
	ch        chan Item
	sessionID string // "" means the global "all" topic
}

// Subscription is a cancelable, lazy sequence of Items.
type Subscription struct {
	C      <-chan Item
	cancel func()
}

// Cancel releases the subscriber slot and its queue immediately
// (spec.md §5 "Cancellation").
func (s *Subscription) Cancel() { s.cancel() }

// Subscribe returns a stream of events. sessionID == "" subscribes to
// every event (the "all" topic); a non-empty sessionID filters to only
// events for that session.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &subscriber{ch: make(chan Item, b.bound), sessionID: sessionID}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancelOnce := sync.Once{}
	cancel := func() {
		cancelOnce.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		})
	}
	return &Subscription{C: sub.ch, cancel: cancel}
}

// Publish fans ev out to every matching subscriber, non-blockingly
// (spec.md §4.7 "Publication is non-blocking from the producer's
// standpoint").
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.sessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		deliver(s.ch, ev)
	}
}

func deliver(ch chan Item, ev Event) {
	select {
	case ch <- Item{Event: &ev}:
		return
	default:
	}
	// Queue full: drop the oldest item to make room for a Lagged
	// sentinel. Dropped counts ev plus the dropped event, or plus its
	// count when the dropped item is itself a Lagged; only a sentinel at
	// the head of the queue is merged this way.
	dropped := 1 // ev itself
	select {
	case old := <-ch:
		if old.Lagged != nil {
			dropped += old.Lagged.Dropped
		} else {
			dropped++
		}
	default:
	}
	select {
	case ch <- Item{Lagged: &Lagged{Dropped: dropped}}:
	default:
	}
}
