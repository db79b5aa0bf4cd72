package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devsupd/devsupd/internal/devsuperr"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxSessions != 50 {
		t.Fatalf("want default max_sessions 50, got %d", cfg.MaxSessions)
	}
	if len(cfg.ReadinessPatterns) != len(DefaultReadinessPatterns) {
		t.Fatalf("want default readiness patterns")
	}
}

func TestLoadRejectsInvalidRegex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("readiness_patterns:\n  - \"(unclosed\"\nlisten:\n  http: 127.0.0.1:4590\n"), 0644)

	_, err := Load(path)
	if devsuperr.KindOf(err) != devsuperr.ErrInvalidRegex {
		t.Fatalf("want ErrInvalidRegex, got %v", err)
	}
}

func TestLoadRejectsMissingListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("max_sessions: 10\nlisten:\n  http: \"\"\n"), 0644)

	_, err := Load(path)
	if devsuperr.KindOf(err) != devsuperr.ErrValidation {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestLoadParsesDurationsAndOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(`
max_sessions: 10
ready_timeout: 1500ms
grace_period: 10s
restart_delay: 500ms
max_restarts: 1
listen:
  socket: /tmp/devsupd.sock
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxSessions != 10 || cfg.MaxRestarts != 1 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ReadyTimeout != 1500*time.Millisecond {
		t.Fatalf("want ready_timeout 1500ms, got %v", cfg.ReadyTimeout)
	}
	if cfg.Listen.Socket != "/tmp/devsupd.sock" {
		t.Fatalf("want socket listener, got %+v", cfg.Listen)
	}
}

func TestWatchPatternsReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("listen:\n  http: 127.0.0.1:4590\n"), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := WatchPatterns(cfg, log)
	if err != nil {
		t.Fatalf("WatchPatterns: %v", err)
	}
	defer w.Close()

	if len(w.Patterns()) != len(DefaultReadinessPatterns) {
		t.Fatalf("want default pattern count, got %d", len(w.Patterns()))
	}

	os.WriteFile(path, []byte("listen:\n  http: 127.0.0.1:4590\nreadiness_patterns:\n  - \"booted\"\n"), 0644)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.Patterns()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("readiness_patterns never reloaded, still %d entries", len(w.Patterns()))
}

func TestWatchPatternsKeepsPreviousSetOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("listen:\n  http: 127.0.0.1:4590\nreadiness_patterns:\n  - \"booted\"\n"), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := WatchPatterns(cfg, log)
	if err != nil {
		t.Fatalf("WatchPatterns: %v", err)
	}
	defer w.Close()

	os.WriteFile(path, []byte("listen:\n  http: 127.0.0.1:4590\nreadiness_patterns:\n  - \"(unclosed\"\n"), 0644)
	time.Sleep(200 * time.Millisecond)

	if len(w.Patterns()) != 1 {
		t.Fatalf("want previous pattern set retained, got %d entries", len(w.Patterns()))
	}
}
