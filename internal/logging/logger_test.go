package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerFormatsKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("realign", &buf, LevelDebug)

	l.Info("pass complete", "pass", 2, "merges", 5, "dangling")

	out := buf.String()
	if !strings.Contains(out, "[realign] ") {
		t.Errorf("missing prefix: %q", out)
	}
	if !strings.Contains(out, "[INFO] pass complete pass=2 merges=5") {
		t.Errorf("unexpected line: %q", out)
	}
	if strings.Contains(out, "dangling") {
		t.Errorf("odd trailing key should be dropped: %q", out)
	}
}

func TestLoggerLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("w", &buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Error("shown too")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below threshold were written: %q", out)
	}
	if strings.Count(out, "shown") != 2 {
		t.Errorf("expected two messages, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNilAndNopLoggersAreSilent(t *testing.T) {
	var l *Logger
	l.Info("no panic")
	Nop().Error("discarded")
}
