package config

import (
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Watcher hot-reloads readiness_patterns from the config file on disk.
// Every other field is read once at startup and never reloaded, per the
// configuration layering design. The daemon does not read Patterns: the
// supervisor matches readiness against logstore.DefaultReadinessPatterns,
// so neither the loaded nor a reloaded readiness_patterns list changes
// readiness detection.
type Watcher struct {
	log *slog.Logger
	fsw *fsnotify.Watcher

	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// WatchPatterns starts watching cfg's source file for changes, seeding
// the live pattern set from cfg.ReadinessPatterns. If cfg was not loaded
// from a file (path is empty, or no file existed there), WatchPatterns
// returns a Watcher that never updates.
func WatchPatterns(cfg *Config, log *slog.Logger) (*Watcher, error) {
	compiled, err := CompilePatterns(cfg.ReadinessPatterns)
	if err != nil {
		return nil, err
	}
	w := &Watcher{log: log, patterns: compiled}
	if cfg.path == "" {
		return w, nil
	}
	if _, err := os.Stat(cfg.path); os.IsNotExist(err) {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.path); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw
	go w.run(cfg.path)
	return w, nil
}

func (w *Watcher) run(path string) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload(path string) {
	var onDisk Config
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("config reload: skipping invalid file", "error", err)
		return
	}
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		w.log.Warn("config reload: skipping invalid file", "error", err)
		return
	}
	if len(onDisk.ReadinessPatterns) == 0 {
		return
	}
	compiled, err := CompilePatterns(onDisk.ReadinessPatterns)
	if err != nil {
		w.log.Warn("config reload: readiness_patterns rejected, keeping previous set", "error", err)
		return
	}
	w.mu.Lock()
	w.patterns = compiled
	w.mu.Unlock()
	w.log.Info("readiness_patterns reloaded", "count", len(compiled))
}

// Patterns returns the currently active, pre-compiled readiness patterns.
func (w *Watcher) Patterns() []*regexp.Regexp {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.patterns
}

// Close stops the underlying filesystem watch, if any.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
