package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dcabot/internal/schedule"
	"dcabot/internal/strategy"
)

// Status is the settlement state of a ledger row.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusPartial   Status = "PARTIAL"
)

// Terminal reports whether rows in this status are immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// Plan is a recurring purchase instruction.
type Plan struct {
	ID                int64
	Venue             string
	Crypto            string
	Fiat              string
	Amount            decimal.Decimal
	Frequency         schedule.Frequency
	CronExpression    string
	Strategy          strategy.Strategy
	Enabled           bool
	WithdrawalEnabled bool
	WithdrawalAddress string
	CreatedAt         time.Time
	LastExecutedAt    *time.Time
	NextExecutionAt   *time.Time
}

// Pair renders the traded pair as CRYPTO/FIAT.
func (p Plan) Pair() string {
	return p.Crypto + "/" + p.Fiat
}

// DueAt reports whether the plan should run at now. A plan that was never
// scheduled is due.
func (p Plan) DueAt(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.NextExecutionAt == nil || !p.NextExecutionAt.After(now)
}

// ScheduleValidator checks a frequency/cron pair.
type ScheduleValidator interface {
	ValidateSchedule(freq schedule.Frequency, expr string) error
}

// ErrInvalidPlan wraps every plan validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// Validate enforces plan invariants. evmAssets lists crypto symbols whose
// withdrawal address must be a 0x-prefixed hex address.
func (p Plan) Validate(sched ScheduleValidator, evmAssets []string) error {
	if strings.TrimSpace(p.Venue) == "" {
		return fmt.Errorf("%w: venue is required", ErrInvalidPlan)
	}
	if strings.TrimSpace(p.Crypto) == "" || strings.TrimSpace(p.Fiat) == "" {
		return fmt.Errorf("%w: crypto and fiat are required", ErrInvalidPlan)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPlan, p.Amount)
	}
	if err := sched.ValidateSchedule(p.Frequency, p.CronExpression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if err := strategy.Validate(p.Strategy); err != nil {
		return fmt.Errorf("%w: strategy: %w", ErrInvalidPlan, err)
	}
	if p.WithdrawalEnabled {
		addr := strings.TrimSpace(p.WithdrawalAddress)
		if addr == "" {
			return fmt.Errorf("%w: withdrawal address is required when withdrawal is enabled", ErrInvalidPlan)
		}
		if isEVMAsset(p.Crypto, evmAssets) && !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %q is not a valid %s address", ErrInvalidPlan, addr, p.Crypto)
		}
	}
	return nil
}

func isEVMAsset(crypto string, evmAssets []string) bool {
	for _, asset := range evmAssets {
		if strings.EqualFold(asset, crypto) {
			return true
		}
	}
	return false
}

// Transaction is one ledger row.
type Transaction struct {
	ID           int64
	PlanID       int64
	Venue        string
	Crypto       string
	Fiat         string
	FiatAmount   decimal.Decimal
	CryptoAmount decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	Status       Status
	OrderID      string
	ErrorMessage string
	ExecutedAt   time.Time
}

// BalanceSnapshot is the last observed balance of one currency on a venue.
type BalanceSnapshot struct {
	Venue      string
	Currency   string
	Amount     decimal.Decimal
	ObservedAt time.Time
}

// TxFilter narrows Ledger.Query. Zero values do not filter.
type TxFilter struct {
	PlanID *int64
	Venue  string
	Crypto string
	Fiat   string
	Status Status
	From   time.Time
	To     time.Time
	Limit  int
	// Desc orders newest first.
	Desc bool
}

func (f TxFilter) match(tx Transaction) bool {
	if f.PlanID != nil && tx.PlanID != *f.PlanID {
		return false
	}
	if f.Venue != "" && tx.Venue != f.Venue {
		return false
	}
	if f.Crypto != "" && !strings.EqualFold(tx.Crypto, f.Crypto) {
		return false
	}
	if f.Fiat != "" && !strings.EqualFold(tx.Fiat, f.Fiat) {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && tx.ExecutedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !tx.ExecutedAt.Before(f.To) {
		return false
	}
	return true
}
