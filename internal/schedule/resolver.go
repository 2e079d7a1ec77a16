package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidSchedule is returned for unknown frequencies and cron
	// expressions that fail to parse.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNoMatch is returned when a syntactically valid cron expression has no
	// occurrence inside the search horizon (e.g. "0 0 31 2 *").
	ErrNoMatch = errors.New("no matching run within horizon")
)

const (
	defaultHorizon = 4 * 365 * 24 * time.Hour
	defaultSamples = 12
	minSamples     = 8
	cronFields     = 5
)

// estimateAnchor keeps interval estimates reproducible.
var estimateAnchor = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options tune the resolver.
type Options struct {
	// Location cron expressions are evaluated in. Defaults to UTC.
	Location *time.Location
	// Horizon caps the forward search for a cron match.
	Horizon time.Duration
	// Samples is the number of consecutive runs averaged by
	// EstimateIntervalMinutes. Values below 8 are raised to 8.
	Samples int
}

// Resolver computes run times for plan schedules.
type Resolver struct {
	parser  cron.Parser
	loc     *time.Location
	horizon time.Duration
	samples int
}

// NewResolver constructs a Resolver for standard 5-field cron expressions.
func NewResolver(opts Options) *Resolver {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	samples := opts.Samples
	if samples <= 0 {
		samples = defaultSamples
	}
	if samples < minSamples {
		samples = minSamples
	}
	return &Resolver{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		loc:     loc,
		horizon: horizon,
		samples: samples,
	}
}

// Location returns the zone cron expressions are evaluated in.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// NextRun returns the next execution strictly after from.
func (r *Resolver) NextRun(freq Frequency, expr string, from time.Time) (time.Time, error) {
	if freq != Custom {
		interval, ok := freq.Interval()
		if !ok {
			return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
		}
		return from.Add(interval), nil
	}

	sched, err := r.parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return r.next(sched, expr, from)
}

// Validate reports why expr is not a usable 5-field cron expression.
func (r *Resolver) Validate(expr string) error {
	_, err := r.parse(expr)
	return err
}

// IsValid checks structure and field ranges without computing a run.
func (r *Resolver) IsValid(expr string) bool {
	return r.Validate(expr) == nil
}

// ValidateSchedule checks a frequency/cron pair the way plans store them.
func (r *Resolver) ValidateSchedule(freq Frequency, expr string) error {
	if freq == Custom {
		return r.Validate(expr)
	}
	if _, ok := FixedIntervalMinutes(freq); !ok {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
	}
	if strings.TrimSpace(expr) != "" {
		return fmt.Errorf("%w: cron expression only allowed with %s", ErrInvalidSchedule, Custom)
	}
	return nil
}

// EstimateIntervalMinutes approximates the spacing between runs. Fixed
// frequencies are exact; cron expressions average consecutive deltas. The
// result feeds runway projections only.
func (r *Resolver) EstimateIntervalMinutes(freq Frequency, expr string) (int64, error) {
	if freq != Custom {
		minutes, ok := FixedIntervalMinutes(freq)
		if !ok {
			return 0, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
		}
		return minutes, nil
	}

	sched, err := r.parse(expr)
	if err != nil {
		return 0, err
	}

	anchor := estimateAnchor.In(r.loc)
	first, err := r.next(sched, expr, anchor)
	if err != nil {
		return 0, err
	}
	last := first
	for i := 0; i < r.samples; i++ {
		next, err := r.next(sched, expr, last)
		if err != nil {
			return 0, err
		}
		last = next
	}

	avg := int64(last.Sub(first)/time.Minute) / int64(r.samples)
	if avg < 1 {
		avg = 1
	}
	return avg, nil
}

func (r *Resolver) parse(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	if n := len(strings.Fields(trimmed)); n != cronFields {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidSchedule, cronFields, n)
	}
	sched, err := r.parser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return sched, nil
}

func (r *Resolver) next(sched cron.Schedule, expr string, from time.Time) (time.Time, error) {
	limit := from.Add(r.horizon)
	cursor := from
	for {
		next := sched.Next(cursor.In(r.loc))
		if next.IsZero() || next.After(limit) {
			return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoMatch, expr, from.Format(time.RFC3339))
		}
		if next.After(from) {
			return next.In(from.Location()), nil
		}
		cursor = next
	}
}
