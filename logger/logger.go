// Package logger provides structured logging for sift.
//
// It wraps log/slog with a process-wide logger configured once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// and package-level helpers for the rest of the code:
//
//	logger.Info("Rule matched", "rule", rule.Name, "uid", msg.UID)
//	logger.WarnContext(ctx, "Rule skipped", "rule", rule.Name, "error", err)
//
// Output is one of "stderr" (default), "stdout", "syslog" or a file path.
// Format is "json", "console", or "auto", which picks console when the
// output is a terminal and json otherwise.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/migadu/sift/config"
)

var globalLogger *slog.Logger

// syslogHandler wraps syslog.Writer to implement slog.Handler
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		attrs := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
		for _, a := range h.attrs {
			attrs = append(attrs, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.Key, a.Value.Any())
			return true
		})
		msg = fmt.Sprintf("%s %v", msg, attrs)
	}

	switch r.Level {
	case slog.LevelDebug:
		return h.writer.Debug(msg)
	case slog.LevelWarn:
		return h.writer.Warning(msg)
	case slog.LevelError:
		return h.writer.Err(msg)
	default:
		return h.writer.Info(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

// WithGroup is a no-op; syslog lines are flat.
func (h *syslogHandler) WithGroup(string) slog.Handler { return h }

// resolveFormat turns "auto" into json or console depending on w.
func resolveFormat(format string, w io.Writer) string {
	if format != "auto" && format != "" {
		return format
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "console"
	}
	return "json"
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if resolveFormat(format, w) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger based on configuration. The returned
// file is non-nil when logging to a file and should be closed on exit.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	var logFile *os.File

	switch output {
	case "stdout":
		handler = newHandler(os.Stdout, cfg.Format, opts)
	case "stderr":
		handler = newHandler(os.Stderr, cfg.Format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			handler = newHandler(os.Stderr, cfg.Format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "sift")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = newHandler(os.Stderr, cfg.Format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = newHandler(os.Stderr, cfg.Format, opts)
			break
		}
		logFile = f
		handler = newHandler(f, cfg.Format, opts)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

// SetOutput points the global logger at w. Tests use it to capture output.
func SetOutput(w io.Writer, format string, level string) {
	globalLogger = slog.New(newHandler(w, format, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

// Get returns the global logger instance
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

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Infof(format string, args ...any)  { Get().Info(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }
