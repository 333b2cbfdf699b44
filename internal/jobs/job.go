package jobs

import (
	"maps"
	"slices"
	"time"

	"github.com/livinlefevreloca/conductor/internal/cron"
)

// Job represents a validated job definition loaded from a job file
type Job struct {
	ID               string // file base name without the .toml extension
	Name             string
	Path             string
	Command          string
	Arguments        []string
	Script           string // inline script, run through the configured shell
	WorkingDirectory string
	Crontab          string
	Start            time.Time // inclusive lower bound, zero means unbounded
	Stop             time.Time // exclusive upper bound, zero means unbounded
	Environment      map[string]string

	Schedule *cron.Schedule
}

// HasStart reports whether the job has a start bound
func (j *Job) HasStart() bool {
	return !j.Start.IsZero()
}

// HasStop reports whether the job has a stop bound
func (j *Job) HasStop() bool {
	return !j.Stop.IsZero()
}

// Retired reports whether an occurrence at t falls on or after the stop bound
func (j *Job) Retired(t time.Time) bool {
	return j.HasStop() && !t.Before(j.Stop)
}

// FirstOccurrence returns the first occurrence at or after max(now, start)
func (j *Job) FirstOccurrence(now time.Time) (time.Time, error) {
	from := now
	if j.HasStart() && j.Start.After(from) {
		from = j.Start
	}
	return j.Schedule.NextFrom(from)
}

// Equal reports whether two jobs have the same definition.
// The parsed schedule is compared through its expression and location.
func (j *Job) Equal(other *Job) bool {
	if j == nil || other == nil {
		return j == other
	}
	return j.ID == other.ID &&
		j.Name == other.Name &&
		j.Path == other.Path &&
		j.Command == other.Command &&
		slices.Equal(j.Arguments, other.Arguments) &&
		j.Script == other.Script &&
		j.WorkingDirectory == other.WorkingDirectory &&
		j.Crontab == other.Crontab &&
		j.Start.Equal(other.Start) &&
		j.Stop.Equal(other.Stop) &&
		maps.Equal(j.Environment, other.Environment) &&
		sameLocation(j.Schedule, other.Schedule)
}

func sameLocation(a, b *cron.Schedule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Location().String() == b.Location().String()
}
