// Package log wraps log/slog with a rotating log file and nil-safe helpers.
//
// Components receive a *Logger; a nil *Logger is valid and discards debug
// and info output while still passing warnings and errors to the default
// slog logger. That keeps tests free of logging setup.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time
}

// ParseLevel maps a configuration string to a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New creates a logger that writes JSON records to a rotated file in dir
// and, when console is non-nil, human-readable text records to console.
func New(level string, dir string, console io.Writer) *Logger {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "unable to create log directory %s: %v\n", dir, err)
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "livetraffic.slog"),
		MaxSize:    64, // MB
		MaxAge:     14,
		MaxBackups: 4,
		Compress:   true,
	}

	lvl, ok := ParseLevel(level)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: invalid log level, using info\n", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if console != nil {
		h = fanout{h, slog.NewTextHandler(console, opts)}
	}

	l := &Logger{
		Logger:  slog.New(h),
		LogFile: w.Filename,
		Start:   time.Now(),
	}

	l.Info("Hello logging", slog.Time("start", l.Start))
	l.Info("System information",
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS),
		slog.Int("NumCPUs", runtime.NumCPU()))

	if bi, ok := debug.ReadBuildInfo(); ok {
		var deps []any
		for _, dep := range bi.Deps {
			deps = append(deps, slog.String(dep.Path, dep.Version))
		}
		l.Debug("Build",
			slog.String("Go version", bi.GoVersion),
			slog.String("Path", bi.Path),
			slog.Group("Dependencies", deps...))
	}

	return l
}

// NewWithHandler wraps an existing handler; used by tests and by tools
// that only want console output.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{Logger: slog.New(h), Start: time.Now()}
}

func (l *Logger) Debug(msg string, args ...any) {
	if l != nil {
		l.Logger.Debug(msg, args...)
	}
}

// Debugf is a convenience wrapper that logs just a message and allows
// printf-style formatting of the provided args.
func (l *Logger) Debugf(msg string, args ...any) {
	if l != nil && l.Logger.Enabled(context.Background(), slog.LevelDebug) {
		l.Logger.Debug(fmt.Sprintf(msg, args...))
	}
}

func (l *Logger) Info(msg string, args ...any) {
	if l != nil {
		l.Logger.Info(msg, args...)
	}
}

func (l *Logger) Infof(msg string, args ...any) {
	if l != nil && l.Logger.Enabled(context.Background(), slog.LevelInfo) {
		l.Logger.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *Logger) Warn(msg string, args ...any) {
	if l == nil {
		slog.Warn(msg, args...)
	} else {
		l.Logger.Warn(msg, args...)
	}
}

func (l *Logger) Warnf(msg string, args ...any) {
	if l == nil {
		slog.Warn(fmt.Sprintf(msg, args...))
	} else {
		l.Logger.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *Logger) Error(msg string, args ...any) {
	if l == nil {
		slog.Error(msg, args...)
	} else {
		l.Logger.Error(msg, args...)
	}
}

func (l *Logger) Errorf(msg string, args ...any) {
	if l == nil {
		slog.Error(fmt.Sprintf(msg, args...))
	} else {
		l.Logger.Error(fmt.Sprintf(msg, args...))
	}
}

// With returns a logger that includes the given attributes in each
// record. With on a nil logger returns nil.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		Logger:  l.Logger.With(args...),
		LogFile: l.LogFile,
		Start:   l.Start,
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make(fanout, len(f))
	for i, h := range f {
		hs[i] = h.WithAttrs(attrs)
	}
	return hs
}

func (f fanout) WithGroup(name string) slog.Handler {
	hs := make(fanout, len(f))
	for i, h := range f {
		hs[i] = h.WithGroup(name)
	}
	return hs
}
