package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tabwire/bridge/internal/config"
)

// TestParseLevel tests level string parsing
func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  Level
		ok    bool
	}{
		{"debug", LevelDebug, true},
		{"info", LevelInfo, true},
		{"warn", LevelWarn, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"trace", LevelInfo, false},
		{"", LevelInfo, false},
	}

	for _, tc := range cases {
		got, err := parseLevel(tc.input)
		if tc.ok && err != nil {
			t.Errorf("parseLevel(%q) failed: %v", tc.input, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("parseLevel(%q) should have failed", tc.input)
		}
		if tc.ok && got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

// TestNewRejectsInvalidConfig tests rejection of bad level and format
func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "trace", Format: "json"}); err == nil {
		t.Error("Expected error for invalid level")
	}
	if _, err := New(config.LoggingConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("Expected error for invalid format")
	}
}

// TestFileOutput tests logging to a file and closing it
func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")

	log, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	log.Info("test message", "key", "value")
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Errorf("Expected message in log file, got %q", data)
	}
	if !strings.Contains(string(data), `"key":"value"`) {
		t.Errorf("Expected structured attribute in log file, got %q", data)
	}

	// Second close is a no-op
	if err := log.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

// TestLevelFiltering tests that messages below the level are suppressed
func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	log, err := New(config.LoggingConfig{Level: "warn", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer log.Close()

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")
	log.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("Suppressed levels leaked into output: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("Expected warn and error messages, got %q", out)
	}
}

// TestEnabled tests level threshold queries
func TestEnabled(t *testing.T) {
	log, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer log.Close()

	if log.GetLevel() != LevelWarn {
		t.Errorf("Expected warn level, got %v", log.GetLevel())
	}
	if log.Enabled(LevelDebug) || log.Enabled(LevelInfo) {
		t.Error("Expected debug and info disabled")
	}
	if !log.Enabled(LevelWarn) || !log.Enabled(LevelError) {
		t.Error("Expected warn and error enabled")
	}
}

// TestWithDerivation tests that derived loggers carry attributes but not
// ownership of the file handle
func TestWithDerivation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	root, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	child := root.With("component", "dispatcher")
	child.Info("from child")

	// Closing the child must not close the shared file
	if err := child.Close(); err != nil {
		t.Fatalf("Child close failed: %v", err)
	}
	root.Info("after child close")
	root.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, `"component":"dispatcher"`) {
		t.Errorf("Expected component attribute, got %q", out)
	}
	if !strings.Contains(out, "after child close") {
		t.Errorf("Expected root to keep writing after child close, got %q", out)
	}
}

// TestNewDefault tests the default logger constructor
func TestNewDefault(t *testing.T) {
	log, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}
	defer log.Close()

	if log.GetLevel() != LevelInfo {
		t.Errorf("Expected info level by default, got %v", log.GetLevel())
	}
}
