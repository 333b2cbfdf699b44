package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var (
	// ErrInvalidCronExpression is returned when an expression cannot be parsed
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrNoOccurrence is returned when no instant within the search horizon
	// matches the expression, e.g. "0 0 30 2 *"
	ErrNoOccurrence = errors.New("no occurrence within search horizon")
)

const (
	// searchHorizon covers the longest gap between two February 29ths
	searchHorizon = 10 * 366 * 24 * time.Hour

	// maxSteps bounds the evaluator calls made for one Next/Previous
	maxSteps = 4096
)

// Schedule represents a validated cron expression evaluated in a fixed location
type Schedule struct {
	expr string
	loc  *time.Location
}

// Parse validates a cron expression and returns a schedule evaluated in loc.
// A nil location means time.Local.
// Accepted forms are the five field crontab syntax, the six field form with
// leading seconds and the @hourly/@daily style descriptors.
func Parse(expr string, loc *time.Location) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCronExpression)
	}

	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCronExpression, expr)
	}

	if loc == nil {
		loc = time.Local
	}

	return &Schedule{expr: expr, loc: loc}, nil
}

// Next returns the first occurrence strictly after the given instant.
// The evaluator may return ticks that overflow into the following month when
// a day does not exist, so every candidate is checked against the expression.
func (cs *Schedule) Next(after time.Time) (time.Time, error) {
	ref := after.In(cs.loc).Truncate(time.Second)
	limit := after.Add(searchHorizon)
	g := gronx.New()

	for i := 0; i < maxSteps; i++ {
		next, err := gronx.NextTickAfter(cs.expr, ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next occurrence of %q after %s: %w", cs.expr, after.Format(time.RFC3339), err)
		}
		if next.After(limit) {
			break
		}
		if next.After(after) && cs.matches(g, next) {
			return next, nil
		}

		if next.After(ref) {
			ref = next
		} else {
			ref = ref.Add(time.Second)
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoOccurrence, cs.expr, after.Format(time.RFC3339))
}

// NextFrom returns the first occurrence at or after the given instant
func (cs *Schedule) NextFrom(from time.Time) (time.Time, error) {
	return cs.Next(from.Add(-time.Nanosecond))
}

// Previous returns the latest occurrence strictly before the given instant
func (cs *Schedule) Previous(before time.Time) (time.Time, error) {
	in := before.In(cs.loc)
	ref := in.Truncate(time.Second)
	// A fractional second means the truncated reference itself is already
	// before the instant and may be an occurrence.
	incl := !ref.Equal(in)
	limit := before.Add(-searchHorizon)
	g := gronx.New()

	for i := 0; i < maxSteps; i++ {
		prev, err := gronx.PrevTickBefore(cs.expr, ref, incl)
		if err != nil {
			return time.Time{}, fmt.Errorf("previous occurrence of %q before %s: %w", cs.expr, before.Format(time.RFC3339), err)
		}
		if prev.Before(limit) {
			break
		}
		if prev.Before(before) && cs.matches(g, prev) {
			return prev, nil
		}

		if prev.Before(ref) {
			ref = prev
		} else {
			ref = ref.Add(-time.Second)
		}
		incl = false
	}

	return time.Time{}, fmt.Errorf("%w: %q before %s", ErrNoOccurrence, cs.expr, before.Format(time.RFC3339))
}

// matches reports whether t satisfies the expression in the schedule's location
func (cs *Schedule) matches(g *gronx.Gronx, t time.Time) bool {
	due, err := g.IsDue(cs.expr, t.In(cs.loc))
	return err == nil && due
}

// String returns the original expression
func (cs *Schedule) String() string {
	return cs.expr
}

// Location returns the location the schedule is evaluated in
func (cs *Schedule) Location() *time.Location {
	return cs.loc
}
