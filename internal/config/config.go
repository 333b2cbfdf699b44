package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/conductor/internal/jobs"
	"github.com/livinlefevreloca/conductor/internal/ledger"
	"github.com/livinlefevreloca/conductor/internal/metrics"
	"github.com/livinlefevreloca/conductor/internal/scheduler"
)

// Environment variables that override the configured directories
const (
	EnvJobsDir   = "CONDUCTOR_JOBS_DIR"
	EnvLedgerDir = "CONDUCTOR_RUN_NEXT_DIR"
)

// Config represents the application configuration
type Config struct {
	Jobs      JobsConfig       `toml:"jobs"`
	Ledger    ledger.Config    `toml:"ledger"`
	Scheduler scheduler.Config `toml:"scheduler"`
	Metrics   metrics.Config   `toml:"metrics"`
	Logging   LoggingConfig    `toml:"logging"`
}

// JobsConfig holds job registry settings
type JobsConfig struct {
	Dir            string `toml:"dir"`
	Watch          bool   `toml:"watch"`
	RescanSchedule string `toml:"rescan_schedule"`
	Shell          string `toml:"shell"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"` // stdout, stderr or a file path
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Jobs: JobsConfig{
			Dir:            "jobs",
			Watch:          true,
			RescanSchedule: "@every 1m",
			Shell:          "/bin/sh",
		},
		Ledger:    ledger.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load from file if specified
	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides the directories from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvJobsDir); ok && v != "" {
		c.Jobs.Dir = v
	}
	if v, ok := lookup(EnvLedgerDir); ok && v != "" {
		c.Ledger.Dir = v
	}
}

// Finalize copies settings shared between sections
func (c *Config) Finalize() {
	c.Scheduler.WriteRetryInitial = c.Ledger.WriteRetryInitial
	c.Scheduler.WriteRetryMaxElapsed = c.Ledger.WriteRetryMaxElapsed
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Jobs validation
	if c.Jobs.Dir == "" {
		return fmt.Errorf("jobs dir must be specified")
	}
	info, err := os.Stat(c.Jobs.Dir)
	if err != nil {
		return fmt.Errorf("jobs dir %s is not accessible: %w", c.Jobs.Dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("jobs dir %s is not a directory", c.Jobs.Dir)
	}
	if c.Jobs.RescanSchedule != "" {
		if err := jobs.ValidateRescanSchedule(c.Jobs.RescanSchedule); err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
	}
	if c.Jobs.Shell == "" {
		return fmt.Errorf("jobs shell must be specified")
	}

	// Ledger validation
	if err := c.Ledger.Validate(); err != nil {
		return err
	}

	// Scheduler validation
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Metrics validation
	if err := c.Metrics.Validate(); err != nil {
		return err
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}
	if c.Logging.Output == "" {
		return fmt.Errorf("log output must be specified")
	}

	return nil
}

// NewLogger builds the process logger. The returned closer releases a log
// file and is a no-op for the standard streams.
func (l LoggingConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch strings.ToLower(l.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(l.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
