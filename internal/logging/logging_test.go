package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_debugGated(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelFor(false), false, &buf)
	l.Debug("hidden")
	l.Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line logged at info level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("info line missing: %s", out)
	}
}

func TestWithComponent_json(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", true, &buf).WithComponent("transport").WithURL("http://portal/")
	l.Debug("hop")
	out := buf.String()
	if !strings.Contains(out, `"component":"transport"`) || !strings.Contains(out, `"url":"http://portal/"`) {
		t.Errorf("json output missing attrs: %s", out)
	}
}
