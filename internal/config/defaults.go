package config

import (
	"os"
	"path/filepath"
	"time"
)

// Environment variable names
const (
	EnvLogLevel       = "BRIDGE_LOG_LEVEL"
	EnvLogFormat      = "BRIDGE_LOG_FORMAT"
	EnvSocketPath     = "BRIDGE_SOCKET_PATH"
	EnvContextID      = "BRIDGE_CONTEXT_ID"
	EnvStorageDriver  = "BRIDGE_STORAGE_DRIVER"
	EnvStoragePath    = "BRIDGE_STORAGE_PATH"
	EnvDefaultTimeout = "BRIDGE_DEFAULT_TIMEOUT"
)

// GetConfigDir returns the bridge configuration directory
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "bridge"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Default creates a configuration with default values for every component
func Default() *Config {
	return &Config{
		ContextID:    "",
		Logging:      DefaultLoggingConfig(),
		Transport:    DefaultTransportConfig(),
		Dispatcher:   DefaultDispatcherConfig(),
		Subscriber:   DefaultSubscriberConfig(),
		Synchronizer: DefaultSynchronizerConfig(),
		Coordinator:  DefaultCoordinatorConfig(),
		Storage:      DefaultStorageConfig(),
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// DefaultTransportConfig returns the default transport configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		SocketPath:     filepath.Join(os.TempDir(), "bridge.sock"),
		BufferSize:     256,
		ConnectTimeout: 5 * time.Second,
		MaxFrameSize:   1 << 20, // 1 MiB
	}
}

// DefaultDispatcherConfig returns the default dispatcher configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultTimeout: 10 * time.Second,
		DefaultRetries: 2,
		MaxInFlight:    16,
		MaxQueueSize:   256,
	}
}

// DefaultSubscriberConfig returns the default subscriber configuration
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		MaxSubscriptions: 128,
		BufferSize:       32,
		FlushInterval:    250 * time.Millisecond,
		HandlerTimeout:   5 * time.Second,
		HistorySize:      512,
	}
}

// DefaultSynchronizerConfig returns the default synchronizer configuration
func DefaultSynchronizerConfig() SynchronizerConfig {
	return SynchronizerConfig{
		MaxValueBytes:    64 << 10, // 64 KiB
		BroadcastEnabled: true,
		PersistEnabled:   true,
		SweepInterval:    30 * time.Second,
		MaxConflicts:     100,
	}
}

// DefaultCoordinatorConfig returns the default coordinator configuration
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		StepTimeout:         10 * time.Second,
		StepRetries:         2,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		ReconnectBaseDelay:  time.Second,
		ReconnectMaxTries:   5,
	}
}

// DefaultStorageConfig returns the default storage configuration
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver: "memory",
		Path:   "",
	}
}

// ApplyEnvOverrides overrides configuration values from environment variables
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvSocketPath); v != "" {
		c.Transport.SocketPath = v
	}
	if v := os.Getenv(EnvContextID); v != "" {
		c.ContextID = v
	}
	if v := os.Getenv(EnvStorageDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvDefaultTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatcher.DefaultTimeout = d
		}
	}
}
