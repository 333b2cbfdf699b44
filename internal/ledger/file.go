package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// ledgerFile matches existing CONDUCTOR_RUN_NEXT_DIR layouts
const ledgerFile = "run_next.blob"

// File keeps the ledger as a TOML table of job id to instant.
// Every write replaces the whole file through a synced temp file and rename,
// so readers see either the old or the new content.
type File struct {
	mu      sync.Mutex
	path    string
	records map[string]time.Time
}

func filePath(dir string) string {
	return filepath.Join(dir, ledgerFile)
}

// OpenFile opens the ledger file at path. The file need not exist yet.
func OpenFile(path string) (*File, error) {
	return &File{
		path:    path,
		records: make(map[string]time.Time),
	}, nil
}

// Path returns the ledger file path
func (f *File) Path() string {
	return f.path
}

// Load reads the ledger file and refreshes the in-memory copy
func (f *File) Load(ctx context.Context) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make(map[string]time.Time)
	if _, err := toml.DecodeFile(f.path, &records); err != nil {
		if os.IsNotExist(err) {
			f.records = records
			return copyRecords(records), nil
		}
		return nil, corrupt("%s: %v", f.path, err)
	}

	for jobID, next := range records {
		// Written without an offset: wall clock time of this host
		if next.Location().String() == "datetime-local" {
			records[jobID] = time.Date(next.Year(), next.Month(), next.Day(),
				next.Hour(), next.Minute(), next.Second(), next.Nanosecond(), time.Local)
		}
	}

	f.records = records
	return copyRecords(records), nil
}

// Upsert replaces the record for one job and rewrites the file
func (f *File) Upsert(ctx context.Context, jobID string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	updated := copyRecords(f.records)
	updated[jobID] = next

	if err := f.write(updated); err != nil {
		return err
	}
	f.records = updated
	return nil
}

// Delete removes the record for one job
func (f *File) Delete(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.records[jobID]; !ok {
		return nil
	}

	updated := copyRecords(f.records)
	delete(updated, jobID)

	if err := f.write(updated); err != nil {
		return err
	}
	f.records = updated
	return nil
}

// Prune removes records for jobs not in keep
func (f *File) Prune(ctx context.Context, keep map[string]struct{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	updated := make(map[string]time.Time, len(f.records))
	for jobID, next := range f.records {
		if _, ok := keep[jobID]; ok {
			updated[jobID] = next
		}
	}

	removed := len(f.records) - len(updated)
	if removed == 0 {
		return 0, nil
	}

	if err := f.write(updated); err != nil {
		return 0, err
	}
	f.records = updated
	return removed, nil
}

// Close is a no-op, every write is already on disk
func (f *File) Close() error {
	return nil
}

// write atomically replaces the ledger file
func (f *File) write(records map[string]time.Time) error {
	utc := make(map[string]time.Time, len(records))
	for jobID, next := range records {
		utc[jobID] = next.UTC()
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(utc); err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ledgerFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return err
	}

	return syncDir(dir)
}

// syncDir flushes the directory entry so the rename survives a crash
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func copyRecords(records map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(records))
	for k, v := range records {
		out[k] = v
	}
	return out
}
