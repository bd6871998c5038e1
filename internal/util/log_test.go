package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LevelWarn, &buf)
	logger.Debugf("hidden %d", 1)
	logger.Infof("hidden too")
	logger.Warnf("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug/info output to be suppressed, got %q", out)
	}
	if !strings.Contains(out, "[WARN] visible") {
		t.Fatalf("expected warn output, got %q", out)
	}
}

func TestSetLevelTakesEffect(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LevelError, &buf)
	logger.Tracef("nope")
	logger.SetLevel(LevelTrace)
	logger.Tracef("event dispatched")
	if !strings.Contains(buf.String(), "[TRACE] event dispatched") {
		t.Fatalf("expected trace output after lowering level, got %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"error":   LevelError,
		"unknown": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
