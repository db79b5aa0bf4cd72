package logstore

import (
	"regexp"
	"sync"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/devsuperr"
)

// Store owns one ring per session.
type Store struct {
	clock    clockid.Clock
	entryCap int
	byteCap  int

	mu    sync.Mutex
	rings map[string]*ring
}

// New creates a Store with the given caps (0 means use the spec.md
// defaults).
func New(clock clockid.Clock, entryCap, byteCap int) *Store {
	if entryCap <= 0 {
		entryCap = DefaultEntryCap
	}
	if byteCap <= 0 {
		byteCap = DefaultByteCap
	}
	return &Store{clock: clock, entryCap: entryCap, byteCap: byteCap, rings: make(map[string]*ring)}
}

func (s *Store) ringFor(sessionID string) *ring {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[sessionID]
	if !ok {
		r = newRing(s.clock, s.entryCap, s.byteCap)
		s.rings[sessionID] = r
	}
	return r
}

func (s *Store) existingRing(sessionID string) (*ring, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[sessionID]
	return r, ok
}

// Append stores bytes for sessionID on stream and returns the assigned
// sequence number.
func (s *Store) Append(sessionID string, stream Stream, data []byte) uint64 {
	return s.ringFor(sessionID).append(sessionID, stream, data)
}

// Tail returns up to n of the most recent entries matching filterPattern
// (compiled once; pass "" for no filter), oldest-first.
func (s *Store) Tail(sessionID string, n int, filterPattern string) ([]*Entry, error) {
	var re *regexp.Regexp
	if filterPattern != "" {
		var err error
		re, err = regexp.Compile(filterPattern)
		if err != nil {
			return nil, devsuperr.Wrap(devsuperr.ErrInvalidRegex, "invalid filter pattern", err)
		}
	}
	r, ok := s.existingRing(sessionID)
	if !ok {
		return nil, nil
	}
	return r.tail(n, re), nil
}

// Subscribe returns a live, cancelable stream of entries for sessionID
// starting at fromSeq (0 means "from the oldest retained entry"). If fromSeq has
// already been evicted, the stream resumes from the oldest retained entry
// instead, per spec.md §4.4.
func (s *Store) Subscribe(sessionID string, fromSeq uint64, filterPattern string) (*Subscription, error) {
	var re *regexp.Regexp
	if filterPattern != "" {
		var err error
		re, err = regexp.Compile(filterPattern)
		if err != nil {
			return nil, devsuperr.Wrap(devsuperr.ErrInvalidRegex, "invalid filter pattern", err)
		}
	}

	r := s.ringFor(sessionID)
	sub := &subscription{
		ch:     make(chan Item, defaultSubscriberBound),
		filter: re,
	}

	// Snapshot the backlog, register the subscriber, and deliver the
	// backlog all under r.mu so a concurrent Append can never interleave
	// with it: either it runs before this lock (so its entry is already
	// in the backlog snapshot) or after (so it is delivered live, once
	// the subscriber is registered), never both and never out of order.
	r.mu.Lock()
	backlog, _ := r.snapshotFromLocked(fromSeq)
	r.subs[sub] = struct{}{}
	for _, e := range backlog {
		sub.deliver(e)
	}
	r.mu.Unlock()

	cancelOnce := sync.Once{}
	cancel := func() {
		cancelOnce.Do(func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
		})
	}

	return &Subscription{C: sub.ch, cancel: cancel}, nil
}

// Clear drops all retained entries for sessionID but leaves seq
// monotonicity intact — the next Append continues from the current
// sequence counter (spec.md §4.4).
func (s *Store) Clear(sessionID string) {
	if r, ok := s.existingRing(sessionID); ok {
		r.clear()
	}
}

// Drop releases all storage for sessionID. Valid only once the owning
// session has reached a terminal state (spec.md §4.4); callers are
// responsible for enforcing that precondition.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, sessionID)
}

// HeadSeq returns the next sequence number that will be assigned for
// sessionID (0 if the store holds no ring for it: before its first Append
// or Subscribe, or after Drop).
func (s *Store) HeadSeq(sessionID string) uint64 {
	r, ok := s.existingRing(sessionID)
	if !ok {
		return 0
	}
	return r.headSeq()
}
