// Package config loads and validates the daemon's single process-wide
// configuration file, following the teacher's internal/config layering
// style (defaults -> file) collapsed to one file since devsupd runs as a
// singleton background service. The environment only chooses the file
// ($DEVSUPD_CONFIG); no field is read from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devsupd/devsupd/internal/devsuperr"
)

// DefaultReadinessPatterns mirrors logstore.DefaultReadinessPatterns; kept
// as a string list here since Config is serialized before compilation.
var DefaultReadinessPatterns = []string{
	"listening on",
	"server started",
	"ready on",
	"running at",
	"started on port",
	"compiled successfully",
	"build finished",
}

// Listen holds the daemon's command-surface bind addresses. Both may be
// set; the unix socket and the HTTP listener are mutually usable.
type Listen struct {
	HTTP   string `yaml:"http,omitempty"`
	Socket string `yaml:"socket,omitempty"`
}

// Config is the daemon's full process-wide configuration, read once from
// $DEVSUPD_CONFIG or ~/.devsupd/config.yaml.
type Config struct {
	DataDir            string        `yaml:"data_dir"`
	MaxSessions        int           `yaml:"max_sessions"`
	GCOrphansOnStartup bool          `yaml:"gc_orphans_on_startup"`
	ReadyTimeout       time.Duration `yaml:"ready_timeout"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestarts        int           `yaml:"max_restarts"`
	ReadinessPatterns  []string      `yaml:"readiness_patterns"`
	Listen             Listen        `yaml:"listen"`

	// path is the file this Config was loaded from, kept for the
	// fsnotify watcher; empty for a Config built without Load.
	path string
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:            "~/.devsupd",
		MaxSessions:        50,
		GCOrphansOnStartup: true,
		ReadyTimeout:       3 * time.Second,
		GracePeriod:        5 * time.Second,
		RestartDelay:       2 * time.Second,
		MaxRestarts:        3,
		ReadinessPatterns:  append([]string(nil), DefaultReadinessPatterns...),
		Listen:             Listen{HTTP: "127.0.0.1:4590"},
	}
}

// Path returns $DEVSUPD_CONFIG if set, else ~/.devsupd/config.yaml.
func Path() (string, error) {
	if p := os.Getenv("DEVSUPD_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".devsupd", "config.yaml"), nil
}

// Load reads and validates the config file at path. A missing file is not
// an error: Load returns Default(), and WatchPatterns then has no file to
// watch.
// An invalid file (bad YAML, bad duration, bad regex) is — the daemon
// refuses to start until the configuration is valid.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, devsuperr.Wrap(devsuperr.ErrValidation, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, devsuperr.Wrap(devsuperr.ErrValidation, "parse config file", err)
	}
	cfg.path = path

	if len(cfg.ReadinessPatterns) == 0 {
		cfg.ReadinessPatterns = append([]string(nil), DefaultReadinessPatterns...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if expanded, err := expandHome(cfg.DataDir); err == nil {
		cfg.DataDir = expanded
	}
	return cfg, nil
}

// Validate checks every field the daemon cannot safely start without,
// in particular pre-compiling readiness_patterns so a typo in the config
// file is caught at load time.
func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		return devsuperr.New(devsuperr.ErrValidation, "max_sessions must be positive")
	}
	if c.MaxRestarts < 0 {
		return devsuperr.New(devsuperr.ErrValidation, "max_restarts must not be negative")
	}
	if c.ReadyTimeout <= 0 || c.GracePeriod <= 0 || c.RestartDelay <= 0 {
		return devsuperr.New(devsuperr.ErrValidation, "ready_timeout, grace_period, and restart_delay must be positive")
	}
	if c.Listen.HTTP == "" && c.Listen.Socket == "" {
		return devsuperr.New(devsuperr.ErrValidation, "listen.http or listen.socket must be set")
	}
	if _, err := CompilePatterns(c.ReadinessPatterns); err != nil {
		return devsuperr.Wrap(devsuperr.ErrInvalidRegex, "invalid readiness_patterns", err)
	}
	return nil
}

// CompilePatterns compiles every pattern, case-insensitively, returning
// the first compile error it hits.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func expandHome(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}
