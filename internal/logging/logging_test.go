package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "info"), "engine")
	t.Cleanup(func() { SetLevel("info") })

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %s", buf.String())
	}

	SetLevel("debug")
	logger.Debug("shown", "space_id", "space-1")
	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("expected one json line, got %q: %v", line, err)
	}
	if rec["service"] != "spacewatch" || rec["component"] != "engine" || rec["space_id"] != "space-1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestComponentNilLogger(t *testing.T) {
	if Component(nil, "x") != nil {
		t.Fatalf("expected nil")
	}
}
