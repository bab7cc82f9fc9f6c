package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	return NewWithHandler(h), &buf
}

func TestLogger_ModuleAttribute(t *testing.T) {
	l, buf := captureLogger(slog.LevelInfo)

	l.Module("labeling").Info("layer complete", "layer", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["module"] != "labeling" {
		t.Fatalf("expected module=labeling, got %v", entry["module"])
	}
	if entry["msg"] != "layer complete" {
		t.Fatalf("expected msg, got %v", entry["msg"])
	}
	if entry["layer"] != float64(3) {
		t.Fatalf("expected layer=3, got %v", entry["layer"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := captureLogger(slog.LevelWarn)

	l.Debug("suppressed")
	l.Info("suppressed")
	l.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("low-severity entries should be filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn entry missing: %q", out)
	}
}

func TestLogger_WithContext(t *testing.T) {
	l, buf := captureLogger(slog.LevelInfo)

	l.With("sector", "s-042").Info("replicating")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["sector"] != "s-042" {
		t.Fatalf("expected sector attribute, got %v", entry["sector"])
	}
}

func TestLevelFromString(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := LevelFromString(c.in); got != c.want {
			t.Fatalf("LevelFromString(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSetDefault_NilIgnored(t *testing.T) {
	orig := Default()
	SetDefault(nil)
	if Default() != orig {
		t.Fatal("SetDefault(nil) must not replace the default logger")
	}
	l, _ := captureLogger(slog.LevelInfo)
	SetDefault(l)
	if Default() != l {
		t.Fatal("SetDefault should replace the default logger")
	}
	SetDefault(orig)
}
