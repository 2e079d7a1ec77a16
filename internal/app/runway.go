package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"dcabot/internal/runway"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

// PlanRunway is the funding outlook of one enabled plan.
type PlanRunway struct {
	Plan       storage.Plan
	Balance    *decimal.Decimal
	Projection runway.Projection
	Monthly    runway.Monthly
}

// Runway projects how long each enabled plan's fiat balance lasts and what
// the plan costs per month.
func (a *App) Runway(ctx context.Context) ([]PlanRunway, error) {
	d, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	list, err := d.repo.ListPlans(ctx)
	if err != nil {
		return nil, err
	}

	threshold := a.Config.Execution.LowBalanceThreshold()
	out := make([]PlanRunway, 0, len(list))
	for _, plan := range list {
		if !plan.Enabled {
			continue
		}
		row := PlanRunway{Plan: plan, Balance: a.lookupBalance(ctx, d, plan)}
		interval, err := d.resolver.EstimateIntervalMinutes(plan.Frequency, plan.CronExpression)
		if err != nil {
			a.Logger.Warn().Err(err).Int64("plan_id", plan.ID).Msg("cannot estimate plan interval")
		} else {
			row.Projection = runway.Project(row.Balance, plan.Amount, interval, threshold)
			var mc strategy.MarketContext
			if d.market != nil {
				marketCtx, cancel := context.WithTimeout(ctx, a.Config.Execution.MarketTimeout)
				mc = d.market.MarketContext(marketCtx, plan.Strategy, plan.Crypto, plan.Fiat)
				cancel()
			}
			row.Monthly = runway.MonthlyCost(plan.Amount, interval, plan.Strategy, mc)
		}
		out = append(out, row)
	}

	a.printRunway(out)
	return out, nil
}

// lookupBalance asks the venue first and falls back to the last snapshot.
// nil means unknown.
func (a *App) lookupBalance(ctx context.Context, d *deps, plan storage.Plan) *decimal.Decimal {
	if client, err := d.venues.Get(plan.Venue); err == nil {
		balCtx, cancel := context.WithTimeout(ctx, a.Config.Execution.BalanceTimeout)
		amount, err := client.GetBalance(balCtx, plan.Fiat)
		cancel()
		if err == nil {
			return &amount
		}
		a.Logger.Warn().Err(err).Str("venue", plan.Venue).Msg("balance lookup failed")
	}
	snap, ok, err := d.balances.GetSnapshot(ctx, plan.Venue, plan.Fiat)
	if err != nil || !ok {
		return nil
	}
	return &snap.Amount
}

func (a *App) printRunway(rows []PlanRunway) {
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no enabled plans")
		return
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Plan\tPair\tBalance\tRuns left\tDays left\tMonthly min\tMonthly max\tMonthly now\tLow")
	for _, r := range rows {
		balance, runs, days := "unknown", "unknown", "unknown"
		if r.Balance != nil {
			balance = formatDecimal(*r.Balance, 2)
		}
		if r.Projection.Known {
			runs = fmt.Sprintf("%d", r.Projection.RemainingExecutions)
			days = formatDecimal(r.Projection.RemainingDays, 1)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s %s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			r.Plan.ID, r.Plan.Pair(), balance, r.Plan.Fiat, runs, days,
			formatDecimal(r.Monthly.Min, 2), formatDecimal(r.Monthly.Max, 2), formatDecimal(r.Monthly.Current, 2),
			r.Projection.LowBalance)
	}
	writer.Flush()
}
