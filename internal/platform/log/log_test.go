package applog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevelOf(t *testing.T) {
	tests := []struct {
		in   string
		slog slog.Level
		zap  zapcore.Level
	}{
		{"debug", slog.LevelDebug, zapcore.DebugLevel},
		{" WARN ", slog.LevelWarn, zapcore.WarnLevel},
		{"warning", slog.LevelWarn, zapcore.WarnLevel},
		{"error", slog.LevelError, zapcore.ErrorLevel},
		{"", slog.LevelInfo, zapcore.InfoLevel},
		{"verbose", slog.LevelInfo, zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := levelOf(tt.in)
			if got.slog != tt.slog || got.zap != tt.zap {
				t.Fatalf("levelOf(%q) = %+v", tt.in, got)
			}
		})
	}
}

func TestInitJSONWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Silence()

	Component("prompter").Info("[Test] hello", "turn", 1)
	Sync()

	out := buf.String()
	if !strings.Contains(out, `"component":"prompter"`) {
		t.Fatalf("expected component field, got %s", out)
	}
	if !strings.Contains(out, "[Test] hello") {
		t.Fatalf("expected message, got %s", out)
	}
}
