package logstore

import (
	"container/list"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/devsupd/devsupd/internal/clockid"
)

// Default caps from spec.md §4.4.
const (
	DefaultEntryCap = 10_000
	DefaultByteCap  = 8 * 1024 * 1024

	// defaultSubscriberBound is the per-subscriber queue depth
	// (spec.md §4.4 "subscribe", default 1024 entries).
	defaultSubscriberBound = 1024
)

// ring is one session's bounded, FIFO-eviction log store. Appends and
// reads contend only on this ring's own lock (spec.md §5 "Shared
// resources").
type ring struct {
	mu       sync.Mutex
	clock    clockid.Clock
	entryCap int
	byteCap  int

	entries   *list.List // of *Entry, oldest at Front
	byteTotal int
	nextSeq   uint64
	oldestSeq uint64 // seq of the oldest entry still retained (0 if empty)

	subs map[*subscription]struct{}
}

func newRing(clock clockid.Clock, entryCap, byteCap int) *ring {
	return &ring{
		clock:    clock,
		entryCap: entryCap,
		byteCap:  byteCap,
		entries:  list.New(),
		subs:     make(map[*subscription]struct{}),
		nextSeq:  1,
	}
}

// append writes bytes and returns the assigned seq. O(1) amortized:
// pushing to the back of the list and evicting from the front are both
// constant time.
func (r *ring) append(sessionID string, stream Stream, data []byte) uint64 {
	r.mu.Lock()
	now := r.clock.Now()
	seq := r.nextSeq
	r.nextSeq++

	e := &Entry{
		SessionID: sessionID,
		Seq:       seq,
		WallMs:    now.WallMs,
		MonoNs:    now.MonotonicNs,
		Stream:    stream,
		Bytes:     append([]byte(nil), data...),
	}
	r.entries.PushBack(e)
	r.byteTotal += len(e.Bytes)
	if r.oldestSeq == 0 {
		r.oldestSeq = seq
	}

	for r.entries.Len() > r.entryCap || r.byteTotal > r.byteCap {
		front := r.entries.Front()
		if front == nil {
			break
		}
		evicted := front.Value.(*Entry)
		r.entries.Remove(front)
		r.byteTotal -= len(evicted.Bytes)
		r.oldestSeq = evicted.Seq + 1
	}

	// Notify subscribers while still holding the lock: every send is
	// non-blocking (select/default in subscription.deliver), so this never
	// stalls the producer (spec.md §4.4 "Concurrency"), and holding the
	// lock across notification is what gives a late Subscribe call's
	// backlog delivery a consistent serialization point relative to
	// concurrent appends (see Store.Subscribe).
	for s := range r.subs {
		s.deliver(e)
	}
	r.mu.Unlock()
	return seq
}

func (r *ring) tail(n int, filter *regexp.Regexp) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Entry
	for el := r.entries.Back(); el != nil && len(matched) < n; el = el.Prev() {
		e := el.Value.(*Entry)
		if filter != nil && !filter.MatchString(decodeForMatch(e.Bytes)) {
			continue
		}
		matched = append(matched, e)
	}
	// matched is newest-first; reverse to oldest-first for the caller.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// snapshotFromLocked returns all retained entries with seq >= fromSeq, plus
// whether fromSeq was still present (false means the caller should resume
// at the oldest retained entry instead). Callers must hold r.mu.
func (r *ring) snapshotFromLocked(fromSeq uint64) (entries []*Entry, hadFromSeq bool) {
	hadFromSeq = fromSeq == 0 || (r.oldestSeq != 0 && fromSeq >= r.oldestSeq)
	for el := r.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Seq >= fromSeq {
			entries = append(entries, e)
		}
	}
	return entries, hadFromSeq
}

func (r *ring) headSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq
}

func (r *ring) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Init()
	r.byteTotal = 0
	r.oldestSeq = 0
}

// decodeForMatch decodes b as UTF-8 with the replacement character for
// invalid sequences, matching spec.md's Open Question resolution: readiness
// and filter matching operate on decoded text; storage stays as raw bytes.
func decodeForMatch(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, r := range string(b) {
		sb.WriteRune(r)
	}
	return sb.String()
}
