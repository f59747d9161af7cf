package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfigIsValid tests that the defaults pass validation
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

// TestValidateRejectsBadValues tests validation of individual sections
func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero buffer size", func(c *Config) { c.Transport.BufferSize = 0 }},
		{"zero frame size", func(c *Config) { c.Transport.MaxFrameSize = 0 }},
		{"zero default timeout", func(c *Config) { c.Dispatcher.DefaultTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Dispatcher.DefaultRetries = -1 }},
		{"zero in flight", func(c *Config) { c.Dispatcher.MaxInFlight = 0 }},
		{"zero queue size", func(c *Config) { c.Dispatcher.MaxQueueSize = 0 }},
		{"zero flush interval", func(c *Config) { c.Subscriber.FlushInterval = 0 }},
		{"zero handler timeout", func(c *Config) { c.Subscriber.HandlerTimeout = 0 }},
		{"negative history", func(c *Config) { c.Subscriber.HistorySize = -1 }},
		{"zero sweep interval", func(c *Config) { c.Synchronizer.SweepInterval = 0 }},
		{"zero health interval", func(c *Config) { c.Coordinator.HealthCheckInterval = 0 }},
		{"zero reconnect delay", func(c *Config) { c.Coordinator.ReconnectBaseDelay = 0 }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.Path = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

// TestLoadMissingFileUsesDefaults tests that an absent config file is not
// an error
func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatcher.DefaultTimeout != 10*time.Second {
		t.Errorf("Expected default timeout, got %s", cfg.Dispatcher.DefaultTimeout)
	}
}

// TestLoadRejectsBadExtension tests the file extension check
func TestLoadRejectsBadExtension(t *testing.T) {
	if _, err := Load("/tmp/config.toml"); err == nil {
		t.Fatal("Expected error for non-yaml extension")
	}
}

// TestLoadParsesYAML tests loading values from a file
func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
context_id: sidebar
dispatcher:
  default_timeout: 3s
  default_retries: 1
  max_in_flight: 4
  max_queue_size: 8
storage:
  driver: sqlite
  path: /tmp/bridge-test.db
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ContextID != "sidebar" {
		t.Errorf("Expected context_id sidebar, got %s", cfg.ContextID)
	}
	if cfg.Dispatcher.DefaultTimeout != 3*time.Second {
		t.Errorf("Expected 3s timeout, got %s", cfg.Dispatcher.DefaultTimeout)
	}
	if cfg.Dispatcher.MaxInFlight != 4 {
		t.Errorf("Expected 4 in flight, got %d", cfg.Dispatcher.MaxInFlight)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %s", cfg.Storage.Driver)
	}
	// Untouched sections keep their defaults
	if cfg.Subscriber.BufferSize != 32 {
		t.Errorf("Expected default subscriber buffer, got %d", cfg.Subscriber.BufferSize)
	}
}

// TestLoadRejectsInvalidValues tests that a parsed config is still
// validated
func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "dispatcher:\n  max_in_flight: -5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error")
	}
}

// TestInterpolateEnvVars tests placeholder substitution
func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("BRIDGE_TEST_SOCKET", "/run/custom.sock")

	got := interpolateEnvVars("socket_path: ${BRIDGE_TEST_SOCKET}")
	if got != "socket_path: /run/custom.sock" {
		t.Errorf("Expected substitution, got %q", got)
	}

	got = interpolateEnvVars("level: ${BRIDGE_TEST_UNSET:-debug}")
	if got != "level: debug" {
		t.Errorf("Expected default value, got %q", got)
	}

	got = interpolateEnvVars("level: ${BRIDGE_TEST_UNSET}")
	if got != "level: " {
		t.Errorf("Expected empty substitution, got %q", got)
	}
}

// TestApplyEnvOverrides tests environment-driven overrides
func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvContextID, "popup")
	t.Setenv(EnvDefaultTimeout, "7s")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.ContextID != "popup" {
		t.Errorf("Expected popup context, got %s", cfg.ContextID)
	}
	if cfg.Dispatcher.DefaultTimeout != 7*time.Second {
		t.Errorf("Expected 7s timeout, got %s", cfg.Dispatcher.DefaultTimeout)
	}
}
