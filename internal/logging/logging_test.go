package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestComponent_PicksUpLaterInit(t *testing.T) {
	log := Component("session")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	log.Info("connected", "mode", 2)

	out := buf.String()
	if !strings.Contains(out, "component=session") {
		t.Errorf("expected component attribute, got %q", out)
	}
	if !strings.Contains(out, "mode=2") {
		t.Errorf("expected mode attribute, got %q", out)
	}
}

func TestComponent_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, false)

	Component("buffer").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}

	Component("buffer").Warn("overrun")
	if !strings.Contains(buf.String(), "overrun") {
		t.Errorf("expected warning, got %q", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)

	ctx := ContextWithConnection(context.Background(), 3)
	ctx = ContextWithClient(ctx, 7)
	ctx = ContextWithAddress(ctx, "192.168.1.10")

	WithContext(ctx).Info("read")

	out := buf.String()
	for _, want := range []string{`"connection":3`, `"client":7`, `"address":"192.168.1.10"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %q", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}
