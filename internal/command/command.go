// Package command implements the transport-agnostic command surface
// (spec.md §4.8, C8): the verb table, input validation, and uniform
// error taxonomy sitting in front of the session manager, log store,
// event bus, and port registry. HTTP and WebSocket transports are thin
// adapters over this package (spec.md §6 "the core does not define the
// wire framing").
package command

import (
	"context"
	"math"

	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/logexport"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/ports"
	"github.com/devsupd/devsupd/internal/session"
	"github.com/devsupd/devsupd/internal/supervisor"
)

// Surface wires together the shared components a command verb needs.
// It holds no state of its own beyond those references.
type Surface struct {
	sessions *session.Manager
	logs     *logstore.Store
	bus      *eventbus.Bus
	portReg  *ports.Registry
	export   *logexport.Store
}

// New builds a Surface over the already-open shared components. export
// may be nil, in which case LogsExport fails with ErrState unless the
// call names its own database path.
func New(sessions *session.Manager, logs *logstore.Store, bus *eventbus.Bus, portReg *ports.Registry, export *logexport.Store) *Surface {
	return &Surface{sessions: sessions, logs: logs, bus: bus, portReg: portReg, export: export}
}

// StartInput is sessions.start's request payload.
type StartInput struct {
	Name        string            `json:"name,omitempty"`
	Command     string            `json:"command"`
	Workdir     string            `json:"workdir"`
	Env         map[string]string `json:"env,omitempty"`
	Port        int               `json:"port,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	AutoRestart bool              `json:"autoRestart,omitempty"`
}

// SessionsStart implements the `sessions.start` verb.
func (s *Surface) SessionsStart(in StartInput) (session.Session, error) {
	if in.Command == "" {
		return session.Session{}, devsuperr.New(devsuperr.ErrValidation, "command is required")
	}
	return s.sessions.Start(session.StartInput{
		Name:        in.Name,
		Command:     in.Command,
		Workdir:     in.Workdir,
		Env:         in.Env,
		Port:        in.Port,
		Tag:         ports.Tag(in.Tag),
		AutoRestart: in.AutoRestart,
	})
}

// SessionsStop implements `sessions.stop`.
func (s *Surface) SessionsStop(id string, force bool) (session.Session, error) {
	if id == "" {
		return session.Session{}, devsuperr.New(devsuperr.ErrValidation, "id is required")
	}
	return s.sessions.Stop(id, force)
}

// SessionsRestart implements `sessions.restart`.
func (s *Surface) SessionsRestart(id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, devsuperr.New(devsuperr.ErrValidation, "id is required")
	}
	return s.sessions.Restart(id)
}

// SessionsGet implements `sessions.get`.
func (s *Surface) SessionsGet(id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, devsuperr.New(devsuperr.ErrValidation, "id is required")
	}
	return s.sessions.Get(id)
}

// SessionsList implements `sessions.list`.
func (s *Surface) SessionsList(statusFilter string) []session.Session {
	return s.sessions.List(supervisor.Status(statusFilter))
}

// StopAllResult is `sessions.stopAll`'s response.
type StopAllResult struct {
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
}

// SessionsStopAll implements `sessions.stopAll`.
func (s *Surface) SessionsStopAll() StopAllResult {
	stopped, failed := s.sessions.StopAll(false)
	return StopAllResult{Stopped: stopped, Failed: failed}
}

// LogsTail implements `logs.tail`.
func (s *Surface) LogsTail(id string, n int, filter string) ([]*logstore.Entry, error) {
	if id == "" {
		return nil, devsuperr.New(devsuperr.ErrValidation, "id is required")
	}
	if n <= 0 {
		n = 100
	}
	if n > 10000 {
		return nil, devsuperr.New(devsuperr.ErrValidation, "n must be <= 10000")
	}
	if _, err := s.sessions.Get(id); err != nil {
		return nil, err
	}
	return s.logs.Tail(id, n, filter)
}

// LogsSubscribe implements `logs.subscribe`.
func (s *Surface) LogsSubscribe(id string, fromSeq uint64, filter string) (*logstore.Subscription, error) {
	if id == "" {
		return nil, devsuperr.New(devsuperr.ErrValidation, "id is required")
	}
	if _, err := s.sessions.Get(id); err != nil {
		return nil, err
	}
	return s.logs.Subscribe(id, fromSeq, filter)
}

// EventsSubscribe implements `events.subscribe`. sessionID == "" subscribes
// to the global "all" topic.
func (s *Surface) EventsSubscribe(sessionID string) *eventbus.Subscription {
	return s.bus.Subscribe(sessionID)
}

// PortCheckResult is `ports.check`'s response.
type PortCheckResult struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// PortsCheck implements `ports.check`.
func (s *Surface) PortsCheck(port int) (PortCheckResult, error) {
	if port < 1 || port > 65535 {
		return PortCheckResult{}, devsuperr.New(devsuperr.ErrValidation, "port out of range")
	}
	available, reason := s.portReg.Check(port)
	return PortCheckResult{Available: available, Reason: reason}, nil
}

// PortsSuggest implements `ports.suggest`.
func (s *Surface) PortsSuggest(tag string, count int) ([]int, error) {
	if count <= 0 {
		count = 5
	}
	return s.portReg.Suggest(ports.Tag(tag), count)
}

// LogsExportResult is `logs.export`'s response.
type LogsExportResult struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// LogsExport implements `logs.export`: the whole of a session's current
// ring is flushed to the durable export database, giving entries a
// lifetime beyond the in-memory ring's eviction policy. path, if given,
// overrides the daemon's default export database for this call; an
// empty path uses the configured default.
func (s *Surface) LogsExport(ctx context.Context, id string, path string) (LogsExportResult, error) {
	if id == "" {
		return LogsExportResult{}, devsuperr.New(devsuperr.ErrValidation, "id is required")
	}
	if _, err := s.sessions.Get(id); err != nil {
		return LogsExportResult{}, err
	}
	entries, err := s.logs.Tail(id, math.MaxInt32, "")
	if err != nil {
		return LogsExportResult{}, err
	}

	store := s.export
	if path != "" {
		opened, err := logexport.Open(path)
		if err != nil {
			return LogsExportResult{}, devsuperr.Wrap(devsuperr.ErrIO, "open export database", err)
		}
		defer opened.Close()
		store = opened
	}
	if store == nil {
		return LogsExportResult{}, devsuperr.New(devsuperr.ErrState, "no export database configured")
	}

	written, err := store.Export(ctx, id, entries)
	if err != nil {
		return LogsExportResult{}, devsuperr.Wrap(devsuperr.ErrIO, "export log entries", err)
	}
	return LogsExportResult{Path: store.Path(), Count: written}, nil
}
