package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		format string
		prefix string
	}{
		{format: "json", prefix: "{"},
		{format: "", prefix: "{"},
		{format: "TEXT", prefix: "time="},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		newLogger(&buf, "info", tc.format).Info("server.start")
		if !strings.HasPrefix(buf.String(), tc.prefix) {
			t.Fatalf("format=%q: expected output to start with %q, got %q", tc.format, tc.prefix, buf.String())
		}
	}
}

func TestNewLoggerLevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Fatalf("expected warn record, got %q", buf.String())
	}
}
