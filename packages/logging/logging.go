// Package logging provides structured logging for kestrel.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
)

// NewFromConfig creates a logger writing to w and, if configured, to the log
// file. The closer is nil when no file is open.
func NewFromConfig(cfg *config.Config, baseDir string, w io.Writer) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Logging.Level)
	if w == nil {
		w = os.Stderr
	}

	var closer io.Closer
	if cfg.Logging.File != "" {
		logPath := cfg.LogFile(baseDir)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		w = io.MultiWriter(w, file)
	}

	return slog.New(newHandler(cfg.Logging.Format, w, level)), closer, nil
}

// New creates a logger with the given level and format.
func New(level config.LogLevel, format config.LogFormat, w io.Writer) *slog.Logger {
	return slog.New(newHandler(format, w, ParseLevel(level)))
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel converts a config log level to slog.Level.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// WithRun returns a logger with run context.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithTest returns a logger with test instance context.
func WithTest(logger *slog.Logger, testID string, attempt int) *slog.Logger {
	return logger.With("test_id", testID, "attempt", attempt)
}
