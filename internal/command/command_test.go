package command

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/kvstore"
	"github.com/devsupd/devsupd/internal/logexport"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/ports"
	"github.com/devsupd/devsupd/internal/session"
	"github.com/devsupd/devsupd/internal/supervisor"
)

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	return newTestSurfaceWithExport(t, nil)
}

func newTestSurfaceWithExport(t *testing.T, export *logexport.Store) *Surface {
	t.Helper()
	clock := clockid.System()
	kv, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := ports.Open(kv, clock, log)
	if err != nil {
		t.Fatalf("ports.Open: %v", err)
	}
	logs := logstore.New(clock, 0, 0)
	bus := eventbus.New(0)
	supCfg := supervisor.DefaultConfig()
	supCfg.ReadyTimeout = 50 * time.Millisecond
	sup := supervisor.New(supCfg, logs, bus, clock, log)
	sessions := session.New(session.DefaultConfig(), clock, reg, logs, sup, bus)
	return New(sessions, logs, bus, reg, export)
}

func TestSessionsStartRequiresCommand(t *testing.T) {
	s := newTestSurface(t)
	_, err := s.SessionsStart(StartInput{Workdir: os.TempDir()})
	if devsuperr.KindOf(err) != devsuperr.ErrValidation {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestSessionsStartStopRoundTrip(t *testing.T) {
	s := newTestSurface(t)
	sess, err := s.SessionsStart(StartInput{Command: "sh -c 'sleep 1'", Workdir: os.TempDir()})
	if err != nil {
		t.Fatalf("SessionsStart: %v", err)
	}
	if _, err := s.SessionsStop(sess.ID, true); err != nil {
		t.Fatalf("SessionsStop: %v", err)
	}
}

func TestSessionsStopRequiresID(t *testing.T) {
	s := newTestSurface(t)
	if _, err := s.SessionsStop("", false); devsuperr.KindOf(err) != devsuperr.ErrValidation {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestLogsTailRejectsOversizedN(t *testing.T) {
	s := newTestSurface(t)
	sess, _ := s.SessionsStart(StartInput{Command: "sh -c 'sleep 1'", Workdir: os.TempDir()})
	defer s.SessionsStop(sess.ID, true)

	if _, err := s.LogsTail(sess.ID, 20000, ""); devsuperr.KindOf(err) != devsuperr.ErrValidation {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestLogsTailUnknownSessionIsNotFound(t *testing.T) {
	s := newTestSurface(t)
	if _, err := s.LogsTail("nope", 10, ""); devsuperr.KindOf(err) != devsuperr.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPortsCheckValidatesRange(t *testing.T) {
	s := newTestSurface(t)
	if _, err := s.PortsCheck(0); devsuperr.KindOf(err) != devsuperr.ErrValidation {
		t.Fatalf("want ErrValidation, got %v", err)
	}
	res, err := s.PortsCheck(3000)
	if err != nil {
		t.Fatalf("PortsCheck: %v", err)
	}
	if !res.Available {
		t.Fatalf("want 3000 available on a clean registry, got %+v", res)
	}
}

func TestPortsSuggestDefaultsCount(t *testing.T) {
	s := newTestSurface(t)
	got, err := s.PortsSuggest(string(ports.TagNode), 0)
	if err != nil {
		t.Fatalf("PortsSuggest: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("want 5 suggestions by default, got %d", len(got))
	}
}

func TestEventsSubscribeDeliversSessionEvents(t *testing.T) {
	s := newTestSurface(t)
	sub := s.EventsSubscribe("")
	defer sub.Cancel()

	sess, err := s.SessionsStart(StartInput{Command: "sh -c 'sleep 1'", Workdir: os.TempDir()})
	if err != nil {
		t.Fatalf("SessionsStart: %v", err)
	}
	defer s.SessionsStop(sess.ID, true)

	select {
	case item := <-sub.C:
		if item.Event == nil {
			t.Fatalf("want an event, got %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLogsExportRequiresConfiguredDatabase(t *testing.T) {
	s := newTestSurface(t)
	sess, _ := s.SessionsStart(StartInput{Command: "sh -c 'sleep 1'", Workdir: os.TempDir()})
	defer s.SessionsStop(sess.ID, true)

	if _, err := s.LogsExport(context.Background(), sess.ID, ""); devsuperr.KindOf(err) != devsuperr.ErrState {
		t.Fatalf("want ErrState without an export database, got %v", err)
	}
}

func TestLogsExportWritesTailedEntries(t *testing.T) {
	export, err := logexport.Open(filepath.Join(t.TempDir(), "export.db"))
	if err != nil {
		t.Fatalf("logexport.Open: %v", err)
	}
	defer export.Close()

	s := newTestSurfaceWithExport(t, export)
	sess, err := s.SessionsStart(StartInput{Command: "sh -c 'echo booted'", Workdir: os.TempDir()})
	if err != nil {
		t.Fatalf("SessionsStart: %v", err)
	}
	defer s.SessionsStop(sess.ID, true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, _ := s.LogsTail(sess.ID, 10, "")
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := s.LogsExport(context.Background(), sess.ID, "")
	if err != nil {
		t.Fatalf("LogsExport: %v", err)
	}
	if res.Count == 0 {
		t.Fatal("want at least one entry exported")
	}
	if res.Path == "" {
		t.Fatal("want the export database path in the result")
	}
}

func TestLogsExportToOverridePath(t *testing.T) {
	s := newTestSurface(t)
	sess, err := s.SessionsStart(StartInput{Command: "sh -c 'echo booted'", Workdir: os.TempDir()})
	if err != nil {
		t.Fatalf("SessionsStart: %v", err)
	}
	defer s.SessionsStop(sess.ID, true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, _ := s.LogsTail(sess.ID, 10, "")
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	overridePath := filepath.Join(t.TempDir(), "override.db")
	res, err := s.LogsExport(context.Background(), sess.ID, overridePath)
	if err != nil {
		t.Fatalf("LogsExport: %v", err)
	}
	if res.Path != overridePath {
		t.Fatalf("want path %q, got %q", overridePath, res.Path)
	}
	if res.Count == 0 {
		t.Fatal("want at least one entry exported")
	}
}
