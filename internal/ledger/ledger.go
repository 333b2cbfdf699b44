package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// ErrCorruptLedger is returned when the persisted ledger cannot be parsed
var ErrCorruptLedger = errors.New("ledger: corrupt")

// Ledger durably maps job identifiers to their next due instant.
// Every successful Upsert must survive a crash immediately after it returns.
type Ledger interface {
	// Load returns every record. A missing store loads as empty.
	Load(ctx context.Context) (map[string]time.Time, error)

	// Upsert atomically replaces the record for one job
	Upsert(ctx context.Context, jobID string, next time.Time) error

	// Delete removes the record for one job, if present
	Delete(ctx context.Context, jobID string) error

	// Prune removes records for jobs not in keep and returns how many were removed
	Prune(ctx context.Context, keep map[string]struct{}) (int, error)

	// Path returns the location of the persisted store
	Path() string

	Close() error
}

// Config holds run ledger settings
type Config struct {
	Dir                  string        `toml:"dir"`
	Driver               string        `toml:"driver"`
	OnCorrupt            string        `toml:"on_corrupt"`
	WriteRetryInitial    time.Duration `toml:"write_retry_initial"`
	WriteRetryMaxElapsed time.Duration `toml:"write_retry_max_elapsed"`
}

// Supported drivers
const (
	DriverSQLite = "sqlite3"
	DriverFile   = "file"
)

// Corruption policies
const (
	OnCorruptFail    = "fail"
	OnCorruptRebuild = "rebuild"
)

// DefaultConfig returns ledger defaults
func DefaultConfig() Config {
	return Config{
		Dir:                  "config",
		Driver:               DriverSQLite,
		OnCorrupt:            OnCorruptFail,
		WriteRetryInitial:    100 * time.Millisecond,
		WriteRetryMaxElapsed: 30 * time.Second,
	}
}

// Validate checks the ledger configuration
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("ledger dir must be specified")
	}
	if c.Driver != DriverSQLite && c.Driver != DriverFile {
		return fmt.Errorf("unsupported ledger driver: %s (must be %s or %s)", c.Driver, DriverSQLite, DriverFile)
	}
	if c.OnCorrupt != OnCorruptFail && c.OnCorrupt != OnCorruptRebuild {
		return fmt.Errorf("unsupported ledger on_corrupt policy: %s (must be %s or %s)", c.OnCorrupt, OnCorruptFail, OnCorruptRebuild)
	}
	if c.WriteRetryInitial <= 0 {
		return fmt.Errorf("ledger write_retry_initial must be positive")
	}
	if c.WriteRetryMaxElapsed < c.WriteRetryInitial {
		return fmt.Errorf("ledger write_retry_max_elapsed must be at least write_retry_initial")
	}
	return nil
}

// Open opens the configured ledger and verifies it can be loaded.
// A corrupt store is either reported or moved aside depending on OnCorrupt.
func Open(ctx context.Context, config Config, logger *slog.Logger) (Ledger, error) {
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	l, err := openVerified(ctx, config)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ErrCorruptLedger) || config.OnCorrupt != OnCorruptRebuild {
		return nil, err
	}

	moved, qerr := quarantine(config)
	if qerr != nil {
		return nil, fmt.Errorf("failed to move corrupt ledger aside: %w (original error: %v)", qerr, err)
	}
	logger.Warn("ledger corrupt, starting from an empty ledger",
		"error", err,
		"moved_to", moved)

	return openVerified(ctx, config)
}

func openVerified(ctx context.Context, config Config) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch config.Driver {
	case DriverSQLite:
		l, err = OpenSQLite(sqlitePath(config.Dir))
	case DriverFile:
		l, err = OpenFile(filePath(config.Dir))
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	if _, err := l.Load(ctx); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// quarantine renames the store files so a fresh ledger can be created
func quarantine(config Config) (string, error) {
	var paths []string
	switch config.Driver {
	case DriverSQLite:
		base := sqlitePath(config.Dir)
		paths = []string{base, base + "-wal", base + "-shm"}
	default:
		paths = []string{filePath(config.Dir)}
	}

	suffix := fmt.Sprintf(".corrupt-%d", time.Now().Unix())
	for _, p := range paths {
		if err := os.Rename(p, p+suffix); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return paths[0] + suffix, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptLedger, fmt.Sprintf(format, args...))
}
