// Package logger provides structured logging for tidings.
//
// It wraps log/slog behind package-level functions so that runners, chains
// and handlers can log without threading a logger through every call:
//
//	logger.Info("Runner: Shunting entry", "queue", "in", "file_base", fb, "error", err)
//
// Initialize once at startup with the [logging] section of the
// configuration. Until then the package logs through slog.Default().
//
// Outputs are stdout, stderr, syslog, or a file path. Formats are json and
// console.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"

	"github.com/migadu/tidings/config"
)

var globalLogger *slog.Logger

// syslogHandler renders records as "msg key=value ..." lines for syslog.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)

	msg := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

// WithGroup flattens groups; syslog lines have no nesting.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

func streamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger. When output is a file path the
// returned file must be closed by the caller on shutdown.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var (
		handler slog.Handler
		logFile *os.File
	)

	switch output {
	case "stdout":
		handler = streamHandler(os.Stdout, format, opts)
	case "stderr":
		handler = streamHandler(os.Stderr, format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "tidings")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		logFile = f
		handler = streamHandler(f, format, opts)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance.
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Infof(format string, args ...any)  { Get().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// Printf satisfies the Printf-style logger interfaces used by migrate.
func Printf(format string, args ...any) { Infof(format, args...) }
