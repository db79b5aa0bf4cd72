package supervisor

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/logstore"
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *logstore.Store, *eventbus.Bus) {
	t.Helper()
	logs := logstore.New(clockid.System(), 0, 0)
	bus := eventbus.New(0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logs, bus, clockid.System(), log), logs, bus
}

func waitForStatus(t *testing.T, sv *Supervisor, sessionID string, want Status, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, ok := sv.Get(sessionID); ok && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := sv.Get(sessionID)
	t.Fatalf("timed out waiting for status %s, last snapshot: %+v", want, snap)
	return Snapshot{}
}

func TestStartReachesRunningOnReadinessMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 2 * time.Second
	sv, _, _ := newTestSupervisor(t, cfg)

	spec := Spec{
		SessionID: "s1",
		Argv:      []string{"/bin/sh", "-c", "echo 'listening on 3000'; sleep 1"},
		Workdir:   os.TempDir(),
		Env:       os.Environ(),
	}
	if err := sv.Start(spec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitForStatus(t, sv, "s1", StatusRunning, time.Second)
	if snap.PID == 0 {
		t.Fatal("want a pid once running")
	}
	sv.Stop("s1", true)
}

func TestStartFallsBackToTimeoutReadiness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 100 * time.Millisecond
	sv, _, _ := newTestSupervisor(t, cfg)

	spec := Spec{
		SessionID: "s2",
		Argv:      []string{"/bin/sh", "-c", "sleep 1"},
		Workdir:   os.TempDir(),
		Env:       os.Environ(),
	}
	if err := sv.Start(spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sv, "s2", StatusRunning, time.Second)
	sv.Stop("s2", true)
}

func TestSpawnFailureReturnsErrSpawn(t *testing.T) {
	sv, _, _ := newTestSupervisor(t, DefaultConfig())
	spec := Spec{
		SessionID: "s3",
		Argv:      []string{"/no/such/binary-xyz"},
		Workdir:   os.TempDir(),
	}
	err := sv.Start(spec)
	if err == nil {
		t.Fatal("want spawn error")
	}
	snap, ok := sv.Get("s3")
	if !ok || snap.Status != StatusFailed {
		t.Fatalf("want Failed snapshot, got %+v ok=%v", snap, ok)
	}
}

func TestExitZeroGoesToStopped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	sv, _, _ := newTestSupervisor(t, cfg)
	spec := Spec{
		SessionID: "s4",
		Argv:      []string{"/bin/sh", "-c", "exit 0"},
		Workdir:   os.TempDir(),
		Env:       os.Environ(),
	}
	if err := sv.Start(spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sv, "s4", StatusStopped, time.Second)
}

func TestExitNonZeroGoesToFailedWithoutAutoRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	sv, _, _ := newTestSupervisor(t, cfg)
	spec := Spec{
		SessionID: "s5",
		Argv:      []string{"/bin/sh", "-c", "exit 1"},
		Workdir:   os.TempDir(),
		Env:       os.Environ(),
	}
	if err := sv.Start(spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForStatus(t, sv, "s5", StatusFailed, time.Second)
	if snap.RestartCount != 0 {
		t.Fatalf("want no restarts, got %d", snap.RestartCount)
	}
}

func TestCrashRestartRespectsMaxRestarts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.MaxRestarts = 2
	sv, _, _ := newTestSupervisor(t, cfg)

	spec := Spec{
		SessionID:   "s6",
		Argv:        []string{"/bin/sh", "-c", "exit 1"},
		Workdir:     os.TempDir(),
		Env:         os.Environ(),
		AutoRestart: true,
	}
	if err := sv.Start(spec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap, _ = sv.Get("s6")
		if snap.Status == StatusFailed && snap.RestartCount == cfg.MaxRestarts {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap.Status != StatusFailed {
		t.Fatalf("want final status Failed, got %s", snap.Status)
	}
	if snap.RestartCount != cfg.MaxRestarts {
		t.Fatalf("want restartCount capped at %d, got %d", cfg.MaxRestarts, snap.RestartCount)
	}

	// Give any runaway restart loop a chance to overshoot before asserting
	// the cap held.
	time.Sleep(100 * time.Millisecond)
	snap, _ = sv.Get("s6")
	if snap.RestartCount > cfg.MaxRestarts {
		t.Fatalf("restartCount exceeded cap: %d", snap.RestartCount)
	}
}

func TestGracefulStopThenForced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	sv, _, _ := newTestSupervisor(t, cfg)

	spec := Spec{
		SessionID: "s7",
		Argv:      []string{"/bin/sh", "-c", "trap '' TERM; sleep 5"},
		Workdir:   os.TempDir(),
		Env:       os.Environ(),
	}
	if err := sv.Start(spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sv, "s7", StatusRunning, time.Second)

	start := time.Now()
	if err := sv.Stop("s7", false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < cfg.GracePeriod {
		t.Fatalf("want stop to wait out the grace period, took %v", elapsed)
	}
	snap, _ := sv.Get("s7")
	if snap.Status != StatusStopped {
		t.Fatalf("want Stopped after forced kill, got %s", snap.Status)
	}
}

func TestStopUnknownSessionIsNotFound(t *testing.T) {
	sv, _, _ := newTestSupervisor(t, DefaultConfig())
	if err := sv.Stop("nope", false); err == nil {
		t.Fatal("want error for unknown session")
	}
}

func TestStopAlreadyTerminalIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	sv, _, _ := newTestSupervisor(t, cfg)
	spec := Spec{SessionID: "s8", Argv: []string{"/bin/sh", "-c", "exit 0"}, Workdir: os.TempDir(), Env: os.Environ()}
	sv.Start(spec)
	waitForStatus(t, sv, "s8", StatusStopped, time.Second)
	if err := sv.Stop("s8", false); err != nil {
		t.Fatalf("want idempotent stop on terminal session, got %v", err)
	}
}
