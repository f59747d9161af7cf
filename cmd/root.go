package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
)

var (
	// CLI flags
	cfgFile    string
	logLevel   string
	logFormat  string
	logOutput  string
	socketPath string
	contextID  string

	// Global variables
	rootLog *logger.Logger
)

// Version is stamped by the build
var Version = "0.3.0"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge - cross-context messaging and state synchronization",
	Long: `Bridge connects isolated execution contexts through a shared hub.
Contexts send correlated request/response messages, subscribe to buffered
event streams, and replicate versioned key/value state with deterministic
conflict resolution.

The hub subcommand runs the privileged side that answers requests and
relays broadcasts. Everything else runs as a context client.`,
	Version: Version,
}

// initLogger builds the process logger from config defaults plus CLI overrides
func initLogger() error {
	cfg := config.Default().Logging

	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	return nil
}

// loadConfig loads configuration and applies CLI overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if socketPath != "" {
		cfg.Transport.SocketPath = socketPath
	}
	if contextID != "" {
		cfg.ContextID = contextID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: $XDG_CONFIG_HOME/bridge/config.yaml)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"Hub socket path (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&contextID, "context-id", "",
		"Context identifier (default: generated)")
}
