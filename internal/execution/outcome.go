package execution

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Outcome is where a plan ended up in one cycle.
type Outcome string

const (
	// OutcomeCompleted means the order filled and a COMPLETED row was written.
	OutcomeCompleted Outcome = "completed"
	OutcomePartial   Outcome = "partial"
	OutcomePending   Outcome = "pending"
	// OutcomeInsufficientBalance wrote a FAILED row and advanced the schedule.
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
	OutcomeBelowMinimum        Outcome = "below_minimum"
	OutcomeRejected            Outcome = "rejected"
	// OutcomeTransient wrote nothing and left the schedule alone; the plan
	// is retried next cycle.
	OutcomeTransient Outcome = "transient"
	OutcomeLocked    Outcome = "locked"
	OutcomeNotDue    Outcome = "not_due"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeError     Outcome = "error"
)

// Recorded reports whether the outcome appended a ledger row.
func (o Outcome) Recorded() bool {
	switch o {
	case OutcomeCompleted, OutcomePartial, OutcomePending, OutcomeInsufficientBalance, OutcomeBelowMinimum, OutcomeRejected:
		return true
	}
	return false
}

// TransientError marks a failure that should be retried on the next cycle
// without recording anything.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PlanResult describes one plan's cycle.
type PlanResult struct {
	PlanID          int64
	Outcome         Outcome
	TransactionID   int64
	Multiplier      string
	NextExecutionAt *time.Time
	Err             error
}

// CycleReport collects the per-plan results of one trigger.
type CycleReport struct {
	StartedAt time.Time
	Results   []PlanResult
}

// Count returns how many plans ended with outcome.
func (r CycleReport) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Summary renders "completed=1 locked=2" for logs.
func (r CycleReport) Summary() string {
	counts := map[Outcome]int{}
	for _, res := range r.Results {
		counts[res.Outcome]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[Outcome(k)]))
	}
	if len(parts) == 0 {
		return "no plans"
	}
	return strings.Join(parts, " ")
}
