package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger returns the service logger: human-readable text on stderr and,
// when logFile is set, one JSON object per line appended to that file. The
// returned func closes the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	if logFile == "" {
		return newLogger(level, os.Stderr, nil), noop
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := newLogger(level, os.Stderr, nil)
		logger.Error("cannot open log file, logging to stderr only", "file", logFile, "error", err)
		return logger, noop
	}
	return newLogger(level, os.Stderr, file), file.Close
}

// newLogger fans out to a text handler on console and, if jsonOut is non-nil,
// a JSON handler on jsonOut. Both share one level.
func newLogger(level slog.Level, console, jsonOut io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	text := slog.NewTextHandler(console, opts)
	if jsonOut == nil {
		return slog.New(text)
	}
	return slog.New(slogmulti.Fanout(text, slog.NewJSONHandler(jsonOut, opts)))
}
