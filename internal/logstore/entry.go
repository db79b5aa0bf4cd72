// Package logstore implements the per-session bounded log ring (spec.md
// §4.4, C4): append, tail-N, regex filter, live subscription with
// slow-consumer drop, and the readiness probe the supervisor polls.
//
// The eviction and backpressure design is grounded in the teacher's
// internal/egg replayBuffer — a bounded, mutex-protected byte buffer that
// trims from the front and tracks reader cursors — generalized here to a
// structured entry ring (not raw bytes) with multiple independent
// subscribers instead of one PTY replay cursor.
package logstore

// Stream identifies which pipe a LogEntry came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// Entry is one LogEntry (spec.md §3). Bytes are kept as-is; they are not
// required to be valid UTF-8. Line is a '\n'-split projection for
// display; Store.Append takes no line and never sets it, so stored
// entries carry an empty Line.
type Entry struct {
	SessionID string
	Seq       uint64
	WallMs    int64
	MonoNs    int64
	Stream    Stream
	Bytes     []byte
	Line      string
}

// Lagged is delivered to a subscriber in place of entries it missed
// because it could not keep up with the producer (spec.md GLOSSARY).
type Lagged struct {
	Dropped int
}
