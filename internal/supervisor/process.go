// Package supervisor implements the process supervisor (spec.md §4.5, C5):
// spawn, piped stdout/stderr capture into the log store, readiness
// detection, graceful-then-forced stop, and crash restart with a hard
// cap. The graceful-then-forced stop is grounded in the teacher's
// internal/egg RunSession, generalized from a single PTY process to a
// process-group: Stop signals the whole group directly
// (golang.org/x/sys/unix) so a forceful stop also reaps children the
// supervised command spawned.
package supervisor

import (
	"time"
)

// Status is one state in the lifecycle machine of spec.md §4.5.
type Status string

const (
	StatusStarting   Status = "Starting"
	StatusRunning    Status = "Running"
	StatusStopping   Status = "Stopping"
	StatusStopped    Status = "Stopped"
	StatusFailed     Status = "Failed"
	StatusRestarting Status = "Restarting"
)

func (s Status) terminal() bool { return s == StatusStopped || s == StatusFailed }

// Spec is everything the supervisor needs to spawn one run of a session.
type Spec struct {
	SessionID   string
	Argv        []string
	Workdir     string
	Env         []string // "KEY=VALUE", process env overlaid onto caller env
	AutoRestart bool

	ReadinessPatterns []string // compiled via logstore.CompileReadinessPatterns; nil uses the defaults
}

// Config tunes the lifecycle timers (spec.md §4.5 defaults).
type Config struct {
	ReadyTimeout time.Duration
	GracePeriod  time.Duration
	RestartDelay time.Duration
	MaxRestarts  int
	ReadChunk    int
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 3 * time.Second,
		GracePeriod:  5 * time.Second,
		RestartDelay: 2 * time.Second,
		MaxRestarts:  3,
		ReadChunk:    64 * 1024,
	}
}

// Snapshot is a copy-on-read view of a Process, safe to hand to callers
// outside the owning control-loop goroutine (spec.md §5 "Session map").
type Snapshot struct {
	SessionID    string
	Status       Status
	PID          int
	RestartCount int
	StartedAt    time.Time
	EndedAt      time.Time
	ExitCode     int
	ExitSignal   string
}
