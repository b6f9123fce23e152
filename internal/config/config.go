// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration document.
type Config struct {
	Database           string            `yaml:"database"`
	KunaiSandboxExe    string            `yaml:"kunai_sandbox_exe"`
	SandboxesConfig    map[string]string `yaml:"sandboxes_config"`
	DefaultSandboxName string            `yaml:"default_sandbox_name"`
	DataDir            string            `yaml:"data_dir"`
	MaxQueue           int               `yaml:"max_queue"`
	MaxRunning         int               `yaml:"max_running"`
	ListenAddr         string            `yaml:"listen_addr"`
	LogLevel           string            `yaml:"log_level"`
}

// DefaultConfig returns a Config populated with conservative defaults. It is
// not valid on its own — kunai_sandbox_exe, sandboxes_config, and
// default_sandbox_name must still be supplied.
func DefaultConfig() Config {
	return Config{
		Database:   "orchestrator.db",
		DataDir:    "data",
		MaxQueue:   16,
		MaxRunning: 2,
		ListenAddr: ":8080",
		LogLevel:   "info",
	}
}

// LoadConfig reads the YAML document at path, merges it onto DefaultConfig,
// and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent:
// default_sandbox_name must name an entry in sandboxes_config, and all
// required paths and capacity bounds must be present and positive.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("config: database must not be empty")
	}
	if c.KunaiSandboxExe == "" {
		return fmt.Errorf("config: kunai_sandbox_exe must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if len(c.SandboxesConfig) == 0 {
		return fmt.Errorf("config: sandboxes_config must not be empty")
	}
	if c.DefaultSandboxName == "" {
		return fmt.Errorf("config: default_sandbox_name must not be empty")
	}
	if _, ok := c.SandboxesConfig[c.DefaultSandboxName]; !ok {
		return fmt.Errorf("config: default_sandbox_name %q is not a key of sandboxes_config", c.DefaultSandboxName)
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("config: max_queue must be > 0")
	}
	if c.MaxRunning <= 0 {
		return fmt.Errorf("config: max_running must be > 0")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel into a slog.Level, defaulting to Info for an
// empty string.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unrecognized log_level %q", c.LogLevel)
	}
}
