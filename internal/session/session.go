// Package session implements the session manager (spec.md §4.6, C6): the
// exclusive owner of Session records, enforcing max-session and
// unique-id invariants and orchestrating start/stop/restart across the
// port registry (C3), log store (C4), and process supervisor (C5). The
// copy-on-read Snapshot pattern mirrors the teacher's store.go, which
// exposes persisted records the same way.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/ports"
	"github.com/devsupd/devsupd/internal/supervisor"
)

var envKeyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Config tunes the manager's global constraints (spec.md §4.6).
type Config struct {
	MaxSessions     int
	RetentionWindow time.Duration
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{MaxSessions: 50, RetentionWindow: time.Hour}
}

// Session is the copy-on-read view of a supervised run (spec.md §3).
type Session struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Command      string            `json:"command"`
	Argv         []string          `json:"argv"`
	Workdir      string            `json:"workdir"`
	Env          map[string]string `json:"env,omitempty"`
	Port         int               `json:"port,omitempty"`
	Tag          ports.Tag         `json:"tag,omitempty"`
	PID          int               `json:"pid,omitempty"`
	Status       supervisor.Status `json:"status"`
	AutoRestart  bool              `json:"autoRestart"`
	RestartCount int               `json:"restartCount"`
	StartedAt    time.Time         `json:"startedAt,omitempty"`
	EndedAt      time.Time         `json:"endedAt,omitempty"`
	ExitCode     int               `json:"exitCode,omitempty"`
	ExitSignal   string            `json:"exitSignal,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

func (s Session) terminal() bool {
	return s.Status == supervisor.StatusStopped || s.Status == supervisor.StatusFailed
}

// StartInput is sessions.start's payload (spec.md §4.8).
type StartInput struct {
	Name        string
	Command     string
	Argv        []string
	Workdir     string
	Env         map[string]string
	Port        int
	Tag         ports.Tag
	AutoRestart bool
}

// Manager owns the session map and orchestrates C3/C4/C5 (spec.md §4.6).
type Manager struct {
	cfg   Config
	clock clockid.Clock
	ports *ports.Registry
	logs  *logstore.Store
	sup   *supervisor.Supervisor
	bus   *eventbus.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a Manager wired to the already-open shared components.
func New(cfg Config, clock clockid.Clock, portRegistry *ports.Registry, logs *logstore.Store, sup *supervisor.Supervisor, bus *eventbus.Bus) *Manager {
	return &Manager{cfg: cfg, clock: clock, ports: portRegistry, logs: logs, sup: sup, bus: bus, sessions: make(map[string]*Session)}
}

func (m *Manager) liveCount() int {
	n := 0
	for _, s := range m.sessions {
		if !s.terminal() {
			n++
		}
	}
	return n
}

// Start validates input, reserves a port (none when the tag is generic and
// no port was requested), creates the Session record, and hands off to the
// supervisor (spec.md §4.6 "Orchestration of start").
func (m *Manager) Start(in StartInput) (Session, error) {
	if err := validateStart(in); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	if m.liveCount() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return Session{}, devsuperr.New(devsuperr.ErrLimit, "maximum concurrent sessions reached")
	}
	m.mu.Unlock()

	id := clockid.NewID()
	tag := in.Tag
	if tag == "" {
		tag = ports.TagGeneric
	}
	var alloc ports.AllocateResult
	if in.Port != 0 || tag != ports.TagGeneric {
		var err error
		alloc, err = m.ports.Allocate(in.Port, tag, id)
		if err != nil {
			return Session{}, err
		}
	}

	argv := in.Argv
	if len(argv) == 0 {
		argv = splitCommand(in.Command)
	}
	env := buildEnv(in.Env, alloc.Port)

	now := time.UnixMilli(m.clock.Now().WallMs)
	sess := &Session{
		ID:          id,
		Name:        in.Name,
		Command:     in.Command,
		Argv:        argv,
		Workdir:     in.Workdir,
		Env:         in.Env,
		Port:        alloc.Port,
		Tag:         tag,
		Status:      supervisor.StatusStarting,
		AutoRestart: in.AutoRestart,
		CreatedAt:   now,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	if alloc.Port != 0 {
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindPortAllocated, SessionID: id, Port: alloc.Port})
	}
	m.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionStateChanged, SessionID: id, From: "", To: string(supervisor.StatusStarting)})

	if err := m.sup.Start(supervisor.Spec{
		SessionID:   id,
		Argv:        argv,
		Workdir:     in.Workdir,
		Env:         env,
		AutoRestart: in.AutoRestart,
	}); err != nil {
		m.ports.Release(alloc.Port, id)
		m.mu.Lock()
		sess.Status = supervisor.StatusFailed
		sess.Port = 0
		m.mu.Unlock()
		return Session{}, err
	}

	return m.snapshotLocked(id), nil
}

// Stop stops a session by id (spec.md §4.6 "Orchestration of stop").
func (m *Manager) Stop(id string, force bool) (Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Session{}, devsuperr.New(devsuperr.ErrNotFound, "unknown session id")
	}

	if err := m.sup.Stop(id, force); err != nil {
		return Session{}, err
	}
	m.syncFromSupervisor(id)
	if sess.Port != 0 {
		m.ports.Release(sess.Port, id)
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindPortReleased, SessionID: id, Port: sess.Port})
		m.mu.Lock()
		sess.Port = 0
		m.mu.Unlock()
	}
	return m.snapshotLocked(id), nil
}

// Restart stops (if live) and starts a fresh run of the same session id's
// configuration (spec.md §4.6).
func (m *Manager) Restart(id string) (Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Session{}, devsuperr.New(devsuperr.ErrNotFound, "unknown session id")
	}
	if !sess.terminal() {
		if _, err := m.Stop(id, true); err != nil {
			return Session{}, err
		}
	}
	return m.Start(StartInput{
		Name:        sess.Name,
		Command:     sess.Command,
		Argv:        sess.Argv,
		Workdir:     sess.Workdir,
		Env:         sess.Env,
		Tag:         sess.Tag,
		AutoRestart: sess.AutoRestart,
	})
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Session{}, devsuperr.New(devsuperr.ErrNotFound, "unknown session id")
	}
	m.syncFromSupervisor(id)
	return m.snapshotLocked(id), nil
}

// List returns every session, optionally filtered by status, ordered by
// creation time.
func (m *Manager) List(statusFilter supervisor.Status) []Session {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		m.syncFromSupervisor(id)
		snap := m.snapshotLocked(id)
		if statusFilter != "" && snap.Status != statusFilter {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID // ids sort by creation within one millisecond
	})
	return out
}

// StopAll stops every non-terminal session, used on service shutdown
// (spec.md §4.5 "Orphan avoidance").
func (m *Manager) StopAll(force bool) (stopped, failed int) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Stop(id, force); err != nil {
			failed++
			continue
		}
		stopped++
	}
	return stopped, failed
}

// GC drops terminal sessions older than the retention window, freeing
// their log rings (spec.md §4.6 "Cleanup").
func (m *Manager) GC() int {
	cutoff := time.UnixMilli(m.clock.Now().WallMs).Add(-m.cfg.RetentionWindow)
	m.mu.Lock()
	var drop []string
	for id, s := range m.sessions {
		if s.terminal() && !s.EndedAt.IsZero() && s.EndedAt.Before(cutoff) {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range drop {
		m.logs.Drop(id)
		m.sup.Forget(id)
	}
	return len(drop)
}

// syncFromSupervisor pulls the latest process snapshot into the Session
// record (spec.md §5: the supervisor's control-loop goroutine is the
// only mutator of process state; the session manager observes it).
func (m *Manager) syncFromSupervisor(id string) {
	snap, ok := m.sup.Get(id)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	wasLive := !sess.terminal()
	sess.Status = snap.Status
	sess.PID = snap.PID
	sess.RestartCount = snap.RestartCount
	sess.StartedAt = snap.StartedAt
	sess.EndedAt = snap.EndedAt
	sess.ExitCode = snap.ExitCode
	sess.ExitSignal = snap.ExitSignal
	if wasLive && sess.terminal() && sess.Port != 0 {
		m.ports.Release(sess.Port, id)
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindPortReleased, SessionID: id, Port: sess.Port})
		sess.Port = 0
	}
}

func (m *Manager) snapshotLocked(id string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func validateStart(in StartInput) error {
	if in.Command == "" && len(in.Argv) == 0 {
		return devsuperr.New(devsuperr.ErrValidation, "command must not be empty")
	}
	if !filepath.IsAbs(in.Workdir) {
		return devsuperr.New(devsuperr.ErrValidation, "workdir must be an absolute path")
	}
	if fi, err := os.Stat(in.Workdir); err != nil || !fi.IsDir() {
		return devsuperr.New(devsuperr.ErrValidation, "workdir does not exist")
	}
	for k := range in.Env {
		if !envKeyPattern.MatchString(k) {
			return devsuperr.New(devsuperr.ErrValidation, fmt.Sprintf("invalid env key %q", k))
		}
	}
	return nil
}

// buildEnv overlays the caller-supplied env (and PORT, if allocated) onto
// the daemon's own environment, per spec.md §3's "process env overlaid
// onto caller-supplied env". Without the daemon's environment as a base
// the child loses PATH, HOME, and everything else a real dev server
// needs to run.
func buildEnv(userEnv map[string]string, port int) []string {
	out := os.Environ()
	for k, v := range userEnv {
		out = append(out, k+"="+v)
	}
	if port != 0 {
		out = append(out, fmt.Sprintf("PORT=%d", port))
	}
	return out
}

// splitCommand is a minimal tokenizer used when the caller supplies only
// the raw command string (spec.md §3 "argv (tokenized view)"). It splits
// on spaces and tabs; single or double quotes group words into one
// argument and are removed. Escapes and other shell syntax are not
// interpreted.
func splitCommand(command string) []string {
	var argv []string
	cur := make([]byte, 0, len(command))
	inToken := false
	var quote byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur = append(cur, c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t':
			if inToken {
				argv = append(argv, string(cur))
				cur = cur[:0]
				inToken = false
			}
		default:
			cur = append(cur, c)
			inToken = true
		}
	}
	if inToken {
		argv = append(argv, string(cur))
	}
	return argv
}
