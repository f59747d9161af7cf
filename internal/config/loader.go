package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tabwire/bridge/pkg/types"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their
// values. Supports ${VAR_NAME} and ${VAR_NAME:-default_value} syntax.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 4 && parts[3] != "" {
			defaultValue = parts[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// validateFilePath checks if the file path is valid and has the correct extension
func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}
	return nil
}

// Load reads a YAML configuration file, interpolates environment variable
// placeholders, applies env overrides, and validates the result. A missing
// file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := validateFilePath(path); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, types.WrapError(types.ErrCodeInternal, "failed to read configuration file", err)
			}
		} else {
			interpolated := interpolateEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
				return nil, types.WrapError(types.ErrCodeInvalidArgument,
					"failed to parse configuration file "+path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}

	return cfg, nil
}

// LoadDefault loads configuration from the default path
func LoadDefault() (*Config, error) {
	path, err := GetDefaultConfigPath()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to resolve config path", err)
	}
	return Load(path)
}
