package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRouting(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "ftpd.log")

	logger, closer, err := New(Options{
		Level:  slog.LevelDebug,
		File:   logFile,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := Category(logger, CategorySession)
	log.Debug("command_received", "cmd", "NOOP")
	log.Info("session_started")
	log.Warn("authentication_failed", "user", "alice")
	Fatal(log, "reactor_panic", "panic", "boom\nline two")

	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "command_received") || !strings.Contains(out, "session_started") {
		t.Errorf("stdout missing low-level records:\n%s", out)
	}
	if strings.Contains(out, "authentication_failed") {
		t.Errorf("stdout got a warning:\n%s", out)
	}
	if !strings.Contains(out, "category=SESSION") {
		t.Errorf("stdout missing category:\n%s", out)
	}

	errOut := stderr.String()
	if !strings.Contains(errOut, "level=WARN") || !strings.Contains(errOut, "level=FATAL") {
		t.Errorf("stderr missing high-level records:\n%s", errOut)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n := strings.Count(string(data), "category=SESSION"); n != 4 {
		t.Errorf("log file has %d records, want 4:\n%s", n, data)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	logger, _, err := New(Options{Level: slog.LevelWarn, Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hidden")
	logger.Error("shown")

	if stdout.Len() != 0 {
		t.Errorf("stdout should be empty, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "shown") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"fatal":   LevelFatal,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
