// Package logger builds the daemon's root slog.Logger, in the teacher's
// internal/logger style (multi-writer stdout+file, shortened time
// format) but constructed explicitly rather than stashed in a package
// global, since devsupd wires every component by hand rather than
// reaching for singletons.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// New builds the root logger at level, writing to stdout and, if
// logFile is non-empty, appending to that file as well. The returned
// close func flushes and closes the log file descriptor; callers should
// defer it. Component code should derive scoped children from the
// returned logger with logger.With("component", name) rather than log
// through this root directly.
func New(level string, logFile string) (log *slog.Logger, closeFn func() error, err error) {
	writers := []io.Writer{os.Stdout}
	closeFn = func() error { return nil }

	if logFile != "" {
		f, openErr := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if openErr != nil {
			return nil, nil, fmt.Errorf("open log file: %w", openErr)
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})
	return slog.New(handler), closeFn, nil
}

// ParseLevel maps a config-file level name to a slog.Level, defaulting
// to Info for an unrecognized value.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
