package log

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestNilLogger(t *testing.T) {
	var l *Logger

	// None of these may panic.
	l.Debug("debug")
	l.Debugf("debug %d", 1)
	l.Info("info")
	l.Infof("info %d", 1)
	if l.With("k", "v") != nil {
		t.Error("With on nil logger should return nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	l := New("info", dir, &console)
	l.With("component", "test").Info("ready", slog.Int("sessions", 2))
	l.Debug("hidden")

	out := console.String()
	if !strings.Contains(out, "component=test") || !strings.Contains(out, "sessions=2") {
		t.Errorf("console output missing attributes: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered at info level")
	}

	data, err := os.ReadFile(l.LogFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"ready"`) {
		t.Errorf("log file missing JSON record: %s", data)
	}
}
