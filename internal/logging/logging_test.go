package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{" warning ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", FormatJSON, &buf)
	log.Info("rule created", "itemid", "42")

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"rule created"`)) {
		t.Errorf("expected JSON msg field, got: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"itemid":"42"`)) {
		t.Errorf("expected itemid attribute, got: %s", buf.String())
	}
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", "TEXT", &buf)
	log.Info("rule created", "itemid", "42")

	if got := buf.String(); !strings.Contains(got, `msg="rule created"`) || !strings.Contains(got, "itemid=42") {
		t.Errorf("expected text output, got: %s", got)
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", FormatJSON, &buf)
	log.Info("dropped")
	log.Debug("dropped")

	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	log.Warn("kept")
	if !bytes.Contains(buf.Bytes(), []byte("kept")) {
		t.Errorf("expected warn record, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Fatal("Discard() logger should not be enabled at any level")
	}
}
