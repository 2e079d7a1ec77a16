// Package runway estimates how long a fiat balance lasts under a plan.
// All figures are advisory.
package runway

import (
	"github.com/shopspring/decimal"

	"dcabot/internal/strategy"
)

const (
	minutesPerDay   = 1440
	minutesPerMonth = 30 * minutesPerDay
)

// Projection is the outcome of Project. When Known is false the other fields
// are zero and mean "unknown", not "empty".
type Projection struct {
	Known               bool
	RemainingExecutions int64
	RemainingDays       decimal.Decimal
	LowBalance          bool
}

// Project computes floor(balance / perExecution) executions and the days
// they cover at the given interval. LowBalance is set when the covered days
// fall below thresholdDays.
func Project(balance *decimal.Decimal, perExecution decimal.Decimal, intervalMinutes int64, thresholdDays decimal.Decimal) Projection {
	if balance == nil || !perExecution.IsPositive() || intervalMinutes <= 0 {
		return Projection{}
	}
	execs := balance.Div(perExecution).Floor()
	if execs.IsNegative() {
		execs = decimal.Zero
	}
	days := execs.Mul(decimal.NewFromInt(intervalMinutes)).Div(decimal.NewFromInt(minutesPerDay))
	return Projection{
		Known:               true,
		RemainingExecutions: execs.IntPart(),
		RemainingDays:       days,
		LowBalance:          days.LessThan(thresholdDays),
	}
}

// Monthly is the projected fiat spend over a 30-day month.
type Monthly struct {
	RunsPerMonth decimal.Decimal
	Min          decimal.Decimal
	Max          decimal.Decimal
	Current      decimal.Decimal
}

// MonthlyCost spreads amount over the runs that fit in 30 days and scales it
// by the strategy's smallest, largest and current multipliers.
func MonthlyCost(amount decimal.Decimal, intervalMinutes int64, s strategy.Strategy, mc strategy.MarketContext) Monthly {
	if intervalMinutes <= 0 {
		return Monthly{}
	}
	runs := decimal.NewFromInt(minutesPerMonth).Div(decimal.NewFromInt(intervalMinutes))
	base := amount.Mul(runs)
	lo, hi := strategy.Bounds(s)
	return Monthly{
		RunsPerMonth: runs,
		Min:          base.Mul(lo),
		Max:          base.Mul(hi),
		Current:      base.Mul(strategy.Multiplier(s, mc)),
	}
}
