package logstore

import (
	"context"
	"regexp"
	"time"
)

// DefaultReadinessPatterns are the case-insensitive regular expressions
// checked against appended stdout/stderr bytes when a session's config
// supplies none of its own (spec.md §4.4 "firstMatch").
var DefaultReadinessPatterns = []string{
	`(?i)listening on`,
	`(?i)server started`,
	`(?i)ready on`,
	`(?i)running at`,
	`(?i)started on port`,
	`(?i)compiled successfully`,
	`(?i)build finished`,
}

// CompileReadinessPatterns compiles a pattern list, falling back to
// DefaultReadinessPatterns when patterns is empty. The first invalid
// pattern is returned as an error so callers can reject bad config at
// load time rather than at first use (spec.md §4.4, §8 config validation).
func CompileReadinessPatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		patterns = DefaultReadinessPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// FirstMatch blocks until an entry appended for sessionID (from the
// current head forward) matches any of patterns, ctx is canceled, or
// timeout elapses, whichever comes first. It returns the matching entry,
// or nil if it timed out / ctx was canceled first. This is the secondary
// readiness probe spec.md §4.4 describes the supervisor polling alongside
// a fixed "assume ready" timeout.
func (s *Store) FirstMatch(ctx context.Context, sessionID string, patterns []*regexp.Regexp, timeout time.Duration) *Entry {
	sub := s.subscribeRaw(sessionID)
	defer sub.Cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case item, ok := <-sub.C:
			if !ok {
				return nil
			}
			if item.Lagged != nil {
				// A dropped window of output could have contained the match;
				// the supervisor's fixed timeout is the backstop for this case.
				continue
			}
			text := decodeForMatch(item.Entry.Bytes)
			for _, re := range patterns {
				if re.MatchString(text) {
					return item.Entry
				}
			}
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// subscribeRaw subscribes from the current head with no filter. Readiness
// matching is done here against the full decoded text rather than via the
// ring's own regex filter, since FirstMatch tries several patterns per
// entry.
func (s *Store) subscribeRaw(sessionID string) *Subscription {
	sub, _ := s.Subscribe(sessionID, s.HeadSeq(sessionID), "")
	return sub
}
