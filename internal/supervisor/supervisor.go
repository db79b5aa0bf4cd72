package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/logstore"
)

// process is the mutable control-loop state for one session's supervised
// run. All mutation happens from the owning goroutine; Snapshot is the
// copy-on-read view everyone else sees (spec.md §5 "Session map").
type process struct {
	mu sync.Mutex

	sessionID    string
	status       Status
	pid          int
	restartCount int
	startedAt    time.Time
	endedAt      time.Time
	exitCode     int
	exitSignal   string

	spec Spec

	cmd  *exec.Cmd
	done chan struct{} // closed once cmd.Wait returns
}

func (p *process) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		SessionID:    p.sessionID,
		Status:       p.status,
		PID:          p.pid,
		RestartCount: p.restartCount,
		StartedAt:    p.startedAt,
		EndedAt:      p.endedAt,
		ExitCode:     p.exitCode,
		ExitSignal:   p.exitSignal,
	}
}

// Supervisor owns one process per live session id and publishes every
// lifecycle transition on the event bus (spec.md §4.5, §4.7).
type Supervisor struct {
	cfg   Config
	logs  *logstore.Store
	bus   *eventbus.Bus
	clock clockid.Clock
	log   *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// New builds a Supervisor. logs and bus are shared, long-lived
// components (C4 and C7); cfg supplies the lifecycle timers.
func New(cfg Config, logs *logstore.Store, bus *eventbus.Bus, clock clockid.Clock, log *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logs: logs, bus: bus, clock: clock, log: log, procs: make(map[string]*process)}
}

// Start spawns spec's command under sessionID. It returns once the
// process has either spawned or failed to spawn; readiness, exit, and
// restart are handled asynchronously and reported via events (spec.md
// §4.6 step 4: "On C5 spawn failure, release the port and transition to
// Failed" is the caller's job, driven by the ErrSpawn this returns).
func (sv *Supervisor) Start(spec Spec) error {
	sv.mu.Lock()
	if existing, ok := sv.procs[spec.SessionID]; ok && !existing.snapshot().Status.terminal() {
		sv.mu.Unlock()
		return devsuperr.New(devsuperr.ErrState, "session already has a live process")
	}
	p := &process{sessionID: spec.SessionID, spec: spec, status: StatusStarting}
	sv.procs[spec.SessionID] = p
	sv.mu.Unlock()

	if err := sv.spawn(p); err != nil {
		p.mu.Lock()
		p.status = StatusFailed
		p.mu.Unlock()
		sv.publishState(p.sessionID, string(StatusStarting), string(StatusFailed), "spawn_error")
		return err
	}

	go sv.controlLoop(p)
	return nil
}

// spawn builds and starts the OS process for p. Caller must not
// hold sv.mu; p is not yet visible to other goroutines' mutation.
func (sv *Supervisor) spawn(p *process) error {
	if len(p.spec.Argv) == 0 {
		return devsuperr.New(devsuperr.ErrValidation, "argv must not be empty")
	}
	cmd := exec.Command(p.spec.Argv[0], p.spec.Argv[1:]...)
	cmd.Dir = p.spec.Workdir
	cmd.Env = p.spec.Env
	cmd.Stdin = nil
	setpgid(cmd)
	cmd.WaitDelay = sv.cfg.GracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return devsuperr.Wrap(devsuperr.ErrSpawn, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return devsuperr.Wrap(devsuperr.ErrSpawn, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return devsuperr.Wrap(devsuperr.ErrSpawn, "spawn failed", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.UnixMilli(sv.clock.Now().WallMs)
	p.done = make(chan struct{})
	p.mu.Unlock()

	chunk := sv.cfg.ReadChunk
	if chunk <= 0 {
		chunk = DefaultConfig().ReadChunk
	}
	go pumpPipe(sv.logs, p.sessionID, logstore.StreamStdout, stdout, chunk)
	go pumpPipe(sv.logs, p.sessionID, logstore.StreamStderr, stderr, chunk)

	return nil
}

// controlLoop drives readiness detection, exit handling, and crash
// restart for one process lifetime. It exits once the session reaches
// a terminal state with no further restart scheduled.
func (sv *Supervisor) controlLoop(p *process) {
	for {
		sv.awaitReadiness(p)
		sv.awaitExit(p)

		restart, delay := sv.restartDecision(p)
		if !restart {
			return
		}

		p.mu.Lock()
		p.status = StatusRestarting
		p.mu.Unlock()
		sv.publishState(p.sessionID, string(StatusFailed), string(StatusRestarting), "")

		time.Sleep(delay)

		p.mu.Lock()
		p.status = StatusStarting
		p.mu.Unlock()
		sv.publishState(p.sessionID, string(StatusRestarting), string(StatusStarting), "")

		if err := sv.spawn(p); err != nil {
			p.mu.Lock()
			p.status = StatusFailed
			p.mu.Unlock()
			sv.publishState(p.sessionID, string(StatusStarting), string(StatusFailed), "spawn_error")
			return
		}
	}
}

// awaitReadiness races the log store's pattern match against
// readyTimeout and transitions Starting -> Running on whichever
// resolves first, as long as the process is still alive (spec.md §4.5).
func (sv *Supervisor) awaitReadiness(p *process) {
	patterns, err := logstore.CompileReadinessPatterns(p.spec.ReadinessPatterns)
	if err != nil {
		// Invalid patterns are rejected at config load time (spec.md §6);
		// reaching here with an invalid pattern is a programming error, so
		// fall back to the defaults rather than blocking readiness forever.
		patterns, _ = logstore.CompileReadinessPatterns(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sv.cfg.ReadyTimeout)
	defer cancel()

	type result struct {
		matched bool
	}
	resCh := make(chan result, 1)
	go func() {
		e := sv.logs.FirstMatch(ctx, p.sessionID, patterns, sv.cfg.ReadyTimeout)
		resCh <- result{matched: e != nil}
	}()

	select {
	case res := <-resCh:
		p.mu.Lock()
		if p.status != StatusStarting {
			p.mu.Unlock()
			return // already exited before readiness resolved
		}
		p.status = StatusRunning
		p.mu.Unlock()
		reason := "timeout"
		if res.matched {
			reason = "match"
		}
		sv.publishState(p.sessionID, string(StatusStarting), string(StatusRunning), "")
		sv.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionReady, SessionID: p.sessionID, Reason: reason})
	case <-p.done:
		// Process exited before readiness resolved.
	}
}

// awaitExit blocks until the process exits, records the result, and
// drives the Stopping/Failed/Stopped transition (spec.md §4.5).
func (sv *Supervisor) awaitExit(p *process) {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()

	waitErr := cmd.Wait()
	close(done)

	p.mu.Lock()
	p.endedAt = time.UnixMilli(sv.clock.Now().WallMs)
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		p.exitCode = 0
	case errors.As(waitErr, &exitErr):
		p.exitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(interface{ Signaled() bool }); ok && ws.Signaled() {
			p.exitSignal = "terminated"
		}
	default:
		p.exitCode = -1
	}

	from := p.status
	var to Status
	switch {
	case p.status == StatusStopping:
		to = StatusStopped
	case p.exitCode == 0:
		to = StatusStopped
	default:
		to = StatusFailed
	}
	p.status = to
	p.mu.Unlock()

	sv.log.Info("process exited", "session_id", p.sessionID, "exit_code", p.exitCode, "exit_signal", p.exitSignal, "status", to)
	sv.logs.Append(p.sessionID, logstore.StreamSystem, []byte("process exited"))
	sv.bus.Publish(eventbus.Event{Kind: eventbus.KindProcessExited, SessionID: p.sessionID, ExitCode: p.exitCode, ExitSignal: p.exitSignal})
	sv.publishState(p.sessionID, string(from), string(to), "")
}

// restartDecision applies spec.md §4.5's crash-restart rule.
func (sv *Supervisor) restartDecision(p *process) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusFailed || !p.spec.AutoRestart {
		return false, 0
	}
	maxRestarts := sv.cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = DefaultConfig().MaxRestarts
	}
	if p.restartCount >= maxRestarts {
		return false, 0
	}
	p.restartCount++
	delay := sv.cfg.RestartDelay
	if delay <= 0 {
		delay = DefaultConfig().RestartDelay
	}
	return true, delay
}

// Stop transitions a Starting|Running session to Stopping and drives it
// to a terminal state (spec.md §4.5). Without force it sends a graceful
// signal and escalates to a forceful kill if the process is still alive
// after gracePeriod; with force it kills the process group at once.
func (sv *Supervisor) Stop(sessionID string, force bool) error {
	sv.mu.Lock()
	p, ok := sv.procs[sessionID]
	sv.mu.Unlock()
	if !ok {
		return devsuperr.New(devsuperr.ErrNotFound, "no process for session")
	}

	p.mu.Lock()
	if p.status != StatusStarting && p.status != StatusRunning {
		status := p.status
		p.mu.Unlock()
		if status.terminal() {
			return nil // already terminal: stop is idempotent (spec.md §7 "best-effort")
		}
		return devsuperr.New(devsuperr.ErrState, "session is not stoppable from its current state")
	}
	from := p.status
	p.status = StatusStopping
	pid := p.pid
	done := p.done
	p.mu.Unlock()

	sv.publishState(sessionID, string(from), string(StatusStopping), "")

	if force {
		_ = signalGroup(pid, sigkill)
	} else {
		_ = signalGroup(pid, sigterm)
		select {
		case <-done:
		case <-time.After(sv.cfg.GracePeriod):
			_ = signalGroup(pid, sigkill)
		}
	}
	<-done
	return nil
}

// Get returns the current snapshot for sessionID.
func (sv *Supervisor) Get(sessionID string) (Snapshot, bool) {
	sv.mu.Lock()
	p, ok := sv.procs[sessionID]
	sv.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// Forget drops bookkeeping for a terminal session (called once the
// session manager has retired the Session record).
func (sv *Supervisor) Forget(sessionID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.procs, sessionID)
}

func (sv *Supervisor) publishState(sessionID, from, to, reason string) {
	sv.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionStateChanged, SessionID: sessionID, From: from, To: to, Reason: reason})
}

// pumpPipe reads r in bounded chunks and appends each to the log store,
// terminating on EOF (spec.md §4.5 "Pipe capture").
func pumpPipe(logs *logstore.Store, sessionID string, stream logstore.Stream, r io.Reader, chunkSize int) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logs.Append(sessionID, stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}
