package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Frequency identifies how often a plan is executed.
type Frequency string

const (
	Every15Min  Frequency = "EVERY_15_MIN"
	Hourly      Frequency = "HOURLY"
	Every4Hours Frequency = "EVERY_4_HOURS"
	Every8Hours Frequency = "EVERY_8_HOURS"
	Daily       Frequency = "DAILY"
	Weekly      Frequency = "WEEKLY"
	// Custom means the plan carries a cron expression.
	Custom Frequency = "CUSTOM"
)

var fixedIntervals = map[Frequency]int64{
	Every15Min:  15,
	Hourly:      60,
	Every4Hours: 240,
	Every8Hours: 480,
	Daily:       1440,
	Weekly:      10080,
}

// Frequencies lists every supported frequency, fixed ones first.
func Frequencies() []Frequency {
	return []Frequency{Every15Min, Hourly, Every4Hours, Every8Hours, Daily, Weekly, Custom}
}

// FixedIntervalMinutes returns the interval of a fixed frequency. Custom and
// unknown frequencies report false.
func FixedIntervalMinutes(f Frequency) (int64, bool) {
	minutes, ok := fixedIntervals[f]
	return minutes, ok
}

// Interval is FixedIntervalMinutes as a duration.
func (f Frequency) Interval() (time.Duration, bool) {
	minutes, ok := FixedIntervalMinutes(f)
	if !ok {
		return 0, false
	}
	return time.Duration(minutes) * time.Minute, true
}

// ParseFrequency accepts the canonical names case-insensitively, with '-' or
// ' ' in place of '_'.
func ParseFrequency(raw string) (Frequency, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for _, f := range Frequencies() {
		if string(f) == norm {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, raw)
}
