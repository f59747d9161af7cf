package config

import (
	"fmt"
	"time"
)

// Config represents the complete configuration for a bridge context
type Config struct {
	ContextID    string             `json:"context_id" yaml:"context_id"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Transport    TransportConfig    `json:"transport" yaml:"transport"`
	Dispatcher   DispatcherConfig   `json:"dispatcher" yaml:"dispatcher"`
	Subscriber   SubscriberConfig   `json:"subscriber" yaml:"subscriber"`
	Synchronizer SynchronizerConfig `json:"synchronizer" yaml:"synchronizer"`
	Coordinator  CoordinatorConfig  `json:"coordinator" yaml:"coordinator"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// TransportConfig contains transport channel configuration
type TransportConfig struct {
	SocketPath     string        `json:"socket_path" yaml:"socket_path"`
	BufferSize     int           `json:"buffer_size" yaml:"buffer_size"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	MaxFrameSize   int           `json:"max_frame_size" yaml:"max_frame_size"`
}

// DispatcherConfig contains message dispatcher configuration
type DispatcherConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	DefaultRetries int           `json:"default_retries" yaml:"default_retries"`
	MaxInFlight    int           `json:"max_in_flight" yaml:"max_in_flight"`
	MaxQueueSize   int           `json:"max_queue_size" yaml:"max_queue_size"`
}

// SubscriberConfig contains event subscriber configuration
type SubscriberConfig struct {
	MaxSubscriptions int           `json:"max_subscriptions" yaml:"max_subscriptions"`
	BufferSize       int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval    time.Duration `json:"flush_interval" yaml:"flush_interval"`
	HandlerTimeout   time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	HistorySize      int           `json:"history_size" yaml:"history_size"`
}

// SynchronizerConfig contains state synchronizer configuration
type SynchronizerConfig struct {
	MaxValueBytes    int           `json:"max_value_bytes" yaml:"max_value_bytes"`
	BroadcastEnabled bool          `json:"broadcast_enabled" yaml:"broadcast_enabled"`
	PersistEnabled   bool          `json:"persist_enabled" yaml:"persist_enabled"`
	SweepInterval    time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	MaxConflicts     int           `json:"max_conflicts" yaml:"max_conflicts"`
}

// CoordinatorConfig contains background coordinator configuration
type CoordinatorConfig struct {
	StepTimeout         time.Duration `json:"step_timeout" yaml:"step_timeout"`
	StepRetries         int           `json:"step_retries" yaml:"step_retries"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout" yaml:"health_check_timeout"`
	ReconnectBaseDelay  time.Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxTries   int           `json:"reconnect_max_tries" yaml:"reconnect_max_tries"`
}

// StorageConfig contains durable storage configuration
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // memory, sqlite
	Path   string `json:"path" yaml:"path"`
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Transport.BufferSize <= 0 {
		return fmt.Errorf("transport: buffer_size must be positive, got %d", c.Transport.BufferSize)
	}
	if c.Transport.MaxFrameSize <= 0 {
		return fmt.Errorf("transport: max_frame_size must be positive, got %d", c.Transport.MaxFrameSize)
	}
	if c.Dispatcher.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatcher: default_timeout must be positive, got %s", c.Dispatcher.DefaultTimeout)
	}
	if c.Dispatcher.DefaultRetries < 0 {
		return fmt.Errorf("dispatcher: default_retries cannot be negative, got %d", c.Dispatcher.DefaultRetries)
	}
	if c.Dispatcher.MaxInFlight <= 0 {
		return fmt.Errorf("dispatcher: max_in_flight must be positive, got %d", c.Dispatcher.MaxInFlight)
	}
	if c.Dispatcher.MaxQueueSize <= 0 {
		return fmt.Errorf("dispatcher: max_queue_size must be positive, got %d", c.Dispatcher.MaxQueueSize)
	}
	if c.Subscriber.BufferSize <= 0 {
		return fmt.Errorf("subscriber: buffer_size must be positive, got %d", c.Subscriber.BufferSize)
	}
	if c.Subscriber.FlushInterval <= 0 {
		return fmt.Errorf("subscriber: flush_interval must be positive, got %s", c.Subscriber.FlushInterval)
	}
	if c.Subscriber.HandlerTimeout <= 0 {
		return fmt.Errorf("subscriber: handler_timeout must be positive, got %s", c.Subscriber.HandlerTimeout)
	}
	if c.Subscriber.HistorySize < 0 {
		return fmt.Errorf("subscriber: history_size cannot be negative, got %d", c.Subscriber.HistorySize)
	}
	if c.Synchronizer.SweepInterval <= 0 {
		return fmt.Errorf("synchronizer: sweep_interval must be positive, got %s", c.Synchronizer.SweepInterval)
	}
	if c.Synchronizer.MaxConflicts < 0 {
		return fmt.Errorf("synchronizer: max_conflicts cannot be negative, got %d", c.Synchronizer.MaxConflicts)
	}
	if c.Coordinator.HealthCheckInterval <= 0 {
		return fmt.Errorf("coordinator: health_check_interval must be positive, got %s", c.Coordinator.HealthCheckInterval)
	}
	if c.Coordinator.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("coordinator: reconnect_base_delay must be positive, got %s", c.Coordinator.ReconnectBaseDelay)
	}
	if c.Coordinator.ReconnectMaxTries <= 0 {
		return fmt.Errorf("coordinator: reconnect_max_tries must be positive, got %d", c.Coordinator.ReconnectMaxTries)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage: unknown driver %q (must be memory or sqlite)", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage: sqlite driver requires a path")
	}
	return nil
}

// Validate checks the logging configuration
func (lc *LoggingConfig) Validate() error {
	switch lc.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level: %s", lc.Level)
	}
	switch lc.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid format: %s (must be json or text)", lc.Format)
	}
	return nil
}
