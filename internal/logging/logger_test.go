package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeAndGet(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "warden.log")

	err := Initialize(Options{Level: "debug", File: logFile})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	l := Get(CategoryStore)
	l.Info("hello %s", "store")
	l.Debug("debug line")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello store") {
		t.Errorf("log file missing info line: %q", string(data))
	}
	if !strings.Contains(string(data), "debug line") {
		t.Errorf("log file missing debug line at debug level")
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "warden.log")

	err := Initialize(Options{
		Level:      "debug",
		File:       logFile,
		Categories: map[string]bool{"store": true},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryStore).Info("store enabled")
	Get(CategoryQueue).Info("queue disabled")

	data, _ := os.ReadFile(logFile)
	if !strings.Contains(string(data), "store enabled") {
		t.Error("enabled category was not logged")
	}
	if strings.Contains(string(data), "queue disabled") {
		t.Error("disabled category leaked into log")
	}
}

func TestInvalidLevel(t *testing.T) {
	if err := Initialize(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestUninitializedIsSilent(t *testing.T) {
	mu.Lock()
	base = nil
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	// Must not panic.
	Get(CategoryBoot).Info("no backend yet")
	StartTimer(CategoryBoot, "noop").Stop()
}
