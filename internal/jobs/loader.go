package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/conductor/internal/cron"
)

// FileExtension is the suffix a file must carry to be read as a job definition
const FileExtension = ".toml"

// jobFile mirrors the on-disk layout of a job definition
type jobFile struct {
	Job         *jobSection    `toml:"job"`
	Environment map[string]any `toml:"environment"`
}

type jobSection struct {
	Name             string     `toml:"name"`
	Command          string     `toml:"command"`
	Arguments        []string   `toml:"arguments"`
	Script           string     `toml:"script"`
	WorkingDirectory string     `toml:"working_directory"`
	Crontab          string     `toml:"crontab"`
	Start            *time.Time `toml:"start"`
	End              *time.Time `toml:"end"`
}

// LoadResult is the outcome of loading a jobs directory.
// Valid jobs are returned even when other files fail.
type LoadResult struct {
	Jobs     []*Job // sorted by ID
	Errors   []*LoadError
	Warnings []Warning
}

// IDs returns the set of loaded job identifiers
func (r *LoadResult) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(r.Jobs))
	for _, job := range r.Jobs {
		ids[job.ID] = struct{}{}
	}
	return ids
}

// Loader reads job definitions from a directory
type Loader struct {
	dir string
	loc *time.Location
}

// NewLoader creates a loader for dir whose schedules are evaluated in loc
func NewLoader(dir string, loc *time.Location) *Loader {
	if loc == nil {
		loc = time.Local
	}
	return &Loader{dir: dir, loc: loc}
}

// Dir returns the jobs directory
func (l *Loader) Dir() string {
	return l.dir
}

// Load reads every job file in the directory.
// An error is returned only when the directory itself cannot be read.
func (l *Loader) Load() (*LoadResult, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	result := &LoadResult{
		Jobs:     []*Job{},
		Errors:   []*LoadError{},
		Warnings: []Warning{},
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExtension) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		job, warnings, err := l.LoadFile(path)
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			result.Errors = append(result.Errors, &LoadError{Path: path, Err: err})
			continue
		}
		result.Jobs = append(result.Jobs, job)
	}

	sort.Slice(result.Jobs, func(i, j int) bool {
		return result.Jobs[i].ID < result.Jobs[j].ID
	})

	return result, nil
}

// LoadFile parses and validates a single job file
func (l *Loader) LoadFile(path string) (*Job, []Warning, error) {
	var raw jobFile
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, nil, invalid("not valid TOML: %v", err)
	}

	var warnings []Warning
	for _, key := range md.Undecoded() {
		if len(key) > 1 && key[0] == "job" {
			warnings = append(warnings, Warning{Path: path, Message: fmt.Sprintf("extra field %s", key[1])})
		} else if len(key) == 1 {
			warnings = append(warnings, Warning{Path: path, Message: fmt.Sprintf("extra section %s", key[0])})
		}
	}

	id := strings.TrimSuffix(filepath.Base(path), FileExtension)
	job, err := l.build(id, path, raw)
	if err != nil {
		return nil, warnings, err
	}

	return job, warnings, nil
}

// build validates the decoded file and converts it into a Job
func (l *Loader) build(id, path string, raw jobFile) (*Job, error) {
	if id == "" {
		return nil, invalid("empty job identifier")
	}
	if raw.Job == nil {
		return nil, invalid("missing [job] section")
	}

	section := raw.Job
	if strings.TrimSpace(section.Name) == "" {
		return nil, invalid("missing required field name")
	}
	if section.Command == "" && section.Script == "" {
		return nil, invalid("one of command or script is required")
	}
	if section.Command != "" && section.Script != "" {
		return nil, invalid("command and script are mutually exclusive")
	}
	if strings.TrimSpace(section.Crontab) == "" {
		return nil, invalid("missing required field crontab")
	}

	schedule, err := cron.Parse(section.Crontab, l.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: crontab: %w", ErrInvalidJobDefinition, err)
	}

	job := &Job{
		ID:               id,
		Name:             section.Name,
		Path:             path,
		Command:          section.Command,
		Arguments:        section.Arguments,
		Script:           section.Script,
		WorkingDirectory: section.WorkingDirectory,
		Crontab:          schedule.String(),
		Environment:      make(map[string]string, len(raw.Environment)),
		Schedule:         schedule,
	}
	if section.Start != nil {
		job.Start = anchor(*section.Start, l.loc)
	}
	if section.End != nil {
		job.Stop = anchor(*section.End, l.loc)
	}
	if job.HasStart() && job.HasStop() && !job.Start.Before(job.Stop) {
		return nil, invalid("start %s must be before end %s",
			job.Start.Format(time.RFC3339), job.Stop.Format(time.RFC3339))
	}

	for key, value := range raw.Environment {
		switch v := value.(type) {
		case string:
			job.Environment[key] = v
		case int64, float64, bool:
			job.Environment[key] = fmt.Sprint(v)
		default:
			return nil, invalid("environment %s must be a string, number or boolean", key)
		}
	}

	return job, nil
}

// Zone names the TOML decoder gives values written without an offset
const (
	tomlLocalDatetime = "datetime-local"
	tomlLocalDate     = "date-local"
)

// anchor places a TOML local date or datetime in loc, the location the
// crontab is evaluated in. Values with an explicit offset are kept.
func anchor(t time.Time, loc *time.Location) time.Time {
	switch t.Location().String() {
	case tomlLocalDatetime, tomlLocalDate:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t
}

// LogResult reports a load result to the operator log
func LogResult(logger *slog.Logger, result *LoadResult) {
	for _, w := range result.Warnings {
		logger.Warn("job file warning", "path", w.Path, "warning", w.Message)
	}
	for _, e := range result.Errors {
		logger.Error("failed to load job file", "path", e.Path, "error", e.Err)
	}
	logger.Info("jobs loaded",
		"job_count", len(result.Jobs),
		"error_count", len(result.Errors),
		"warning_count", len(result.Warnings))
}
