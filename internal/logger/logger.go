package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the application-wide logger type, aliased to zerolog.Logger.
// This allows other packages to depend only on certdepot/internal/logger instead of importing zerolog directly.
type Logger = zerolog.Logger

// Event is an alias for zerolog.Event to allow building log entries without importing zerolog.
type Event = zerolog.Event

const consoleTimeFormat = "2006-01-02 15:04:05"

// New builds a standalone logger writing to w. format is "json" or
// "console"; every entry carries the process id so lines written by the
// supervisor and its workers into one log file stay attributable.
func New(w io.Writer, level, format string) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(formatWriter(w, format)).
		Level(lvl).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return zerolog.Nop()
}

func formatWriter(w io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

// Output selects where a server logger writes. Mode is "stdout" (the writer
// handed to NewServer), "file" (FilePath) or "both".
type Output struct {
	Mode     string
	FilePath string
}

// NewServer builds the logger of a serving process. When the requested file
// cannot be used the logger falls back to w and says so. The returned func
// closes the log file, if one was opened.
func NewServer(w io.Writer, level, format string, out Output) (Logger, func()) {
	mode := strings.ToLower(strings.TrimSpace(out.Mode))
	if mode == "" {
		mode = "stdout"
	}
	path := strings.TrimSpace(out.FilePath)

	var (
		writers  []io.Writer
		warnings []string
		file     *os.File
	)
	if mode == "stdout" || mode == "both" {
		writers = append(writers, formatWriter(w, format))
	}
	if mode == "file" || mode == "both" {
		if path == "" {
			warnings = append(warnings, "LOG_OUTPUT requires a file but LOG_FILE_PATH is not set; disabling file logging")
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to open log file '%s', disabling file logging: %v", path, err))
		} else {
			file = f
			writers = append(writers, formatWriter(f, format))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, formatWriter(w, format))
		warnings = append(warnings, fmt.Sprintf("no usable log output for mode %q, logging to standard error", mode))
	}

	var output io.Writer = writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}
	l := New(output, level, "json")
	for _, msg := range warnings {
		l.Warn().Msg(msg)
	}
	closeFn := func() {}
	if file != nil {
		closeFn = func() { _ = file.Close() }
	}
	return l, closeFn
}

// ProtocolEvent logs one line protocol request handled by a worker.
func ProtocolEvent(l *Logger, command, remote string, durationMs float64) *zerolog.Event {
	return l.Info().
		Str("event_category", "protocol").
		Str("command", command).
		Str("remote", remote).
		Float64("duration_ms", durationMs)
}

// HTTPEvent logs HTTP request events with standardized fields.
func HTTPEvent(l *Logger, method, path string, status int, durationMs float64) *zerolog.Event {
	return l.Info().
		Str("event_category", "http").
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Float64("duration_ms", durationMs)
}

// HTTPError logs HTTP error events.
func HTTPError(l *Logger, method, path string, status int, err error) *zerolog.Event {
	return l.Error().
		Str("event_category", "http").
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Err(err)
}

// PanicEvent logs panic recovery events.
func PanicEvent(l *Logger, err interface{}, stack string) *zerolog.Event {
	return l.Error().
		Str("event_category", "panic").
		Interface("error", err).
		Str("stack", stack)
}
