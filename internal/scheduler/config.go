package scheduler

import (
	"fmt"
	"time"
)

// Config defines configuration for the scheduler's coordinator loop
type Config struct {
	// IANA zone cron expressions are evaluated in, empty means local time
	Timezone string `toml:"timezone"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Ledger write retry policy, copied from the ledger section
	WriteRetryInitial    time.Duration `toml:"-"`
	WriteRetryMaxElapsed time.Duration `toml:"-"`
}

// DefaultConfig returns scheduler configuration defaults
func DefaultConfig() Config {
	return Config{
		Timezone:             "",
		InboxBufferSize:      1000,
		InboxSendTimeout:     5 * time.Second,
		WriteRetryInitial:    100 * time.Millisecond,
		WriteRetryMaxElapsed: 30 * time.Second,
	}
}

// Location resolves the configured timezone
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if _, err := config.Location(); err != nil {
		return err
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	if config.WriteRetryInitial <= 0 {
		return fmt.Errorf("WriteRetryInitial must be positive, got %v", config.WriteRetryInitial)
	}

	if config.WriteRetryMaxElapsed < config.WriteRetryInitial {
		return fmt.Errorf("WriteRetryMaxElapsed (%v) must not be less than WriteRetryInitial (%v)",
			config.WriteRetryMaxElapsed, config.WriteRetryInitial)
	}

	return nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}
