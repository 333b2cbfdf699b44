package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteFile = "ledger.db"

const schema = `
CREATE TABLE IF NOT EXISTS run_ledger (
	job_id      TEXT PRIMARY KEY,
	next_run_at TEXT NOT NULL,
	updated_at  TEXT NOT NULL
)`

// SQLite stores the ledger in a single table of a SQLite database.
// The connection uses WAL with synchronous=FULL so a committed upsert is on
// disk before Upsert returns.
type SQLite struct {
	db   *sql.DB
	path string
}

func sqlitePath(dir string) string {
	return filepath.Join(dir, sqliteFile)
}

// OpenSQLite opens (creating if needed) the ledger database at path
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// A single writer keeps per-connection pragmas in effect
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify(err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, classify(err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path
func (s *SQLite) Path() string {
	return s.path
}

// Load returns every record in the ledger
func (s *SQLite) Load(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, next_run_at FROM run_ledger`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	records := make(map[string]time.Time)
	for rows.Next() {
		var (
			jobID string
			raw   string
		)
		if err := rows.Scan(&jobID, &raw); err != nil {
			return nil, classify(err)
		}

		next, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, corrupt("job %s has unparsable instant %q", jobID, raw)
		}
		records[jobID] = next
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return records, nil
}

// Upsert replaces the record for one job
func (s *SQLite) Upsert(ctx context.Context, jobID string, next time.Time) error {
	query := `
		INSERT INTO run_ledger (job_id, next_run_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		jobID,
		formatInstant(next),
		formatInstant(time.Now()),
	)
	return err
}

// Delete removes the record for one job
func (s *SQLite) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_ledger WHERE job_id = ?`, jobID)
	return err
}

// Prune removes records for jobs not in keep
func (s *SQLite) Prune(ctx context.Context, keep map[string]struct{}) (int, error) {
	removed := 0

	err := s.withTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT job_id FROM run_ledger`)
		if err != nil {
			return err
		}

		var stale []string
		for rows.Next() {
			var jobID string
			if err := rows.Scan(&jobID); err != nil {
				rows.Close()
				return err
			}
			if _, ok := keep[jobID]; !ok {
				stale = append(stale, jobID)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, jobID := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM run_ledger WHERE job_id = ?`, jobID); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})

	return removed, err
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// withTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (s *SQLite) withTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// classify maps SQLite corruption errors to ErrCorruptLedger
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrNotADB || sqliteErr.Code == sqlite3.ErrCorrupt {
			return fmt.Errorf("%w: %v", ErrCorruptLedger, err)
		}
		return err
	}

	// Check driver error messages
	errMsg := err.Error()
	if strings.Contains(errMsg, "file is not a database") ||
		strings.Contains(errMsg, "database disk image is malformed") {
		return fmt.Errorf("%w: %v", ErrCorruptLedger, err)
	}
	return err
}
