package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "poll"))

	log.Debug("hidden")
	log.Warn("task failed",
		String("task", "cam"),
		Int("consecutive_errors", 3),
		Duration("effective", 40*time.Second),
		Strings("tasks", []string{"a", "b"}),
		Err(errors.New("connection refused")),
		Err(nil),
	)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	l := lines[0]
	if l["level"] != "warn" || l["message"] != "task failed" || l["comp"] != "poll" || l["task"] != "cam" {
		t.Fatalf("line = %v", l)
	}
	if l["err"] != "connection refused" {
		t.Fatalf("err field = %v", l["err"])
	}
	if c, _ := l["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", l["caller"])
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be the zero value")
	}
	Nop().With(String("a", "b")).Error("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"trace":   LevelTrace,
		"":        LevelInfo,
		"loud":    LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pollhub.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("below level")
	log.Info("first")
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at info")
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not reach existing logger")
	}
	log.Debug("second")
	if svc.Config().Level != "debug" {
		t.Fatalf("config = %+v", svc.Config())
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := string(b)
	if !strings.Contains(got, `"first"`) || !strings.Contains(got, `"second"`) || strings.Contains(got, "below level") {
		t.Fatalf("log file = %s", got)
	}
}
