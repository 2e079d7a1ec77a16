package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"dcabot/internal/plans"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
)

// AddPlan creates a plan and prints it.
func (a *App) AddPlan(ctx context.Context, plan storage.Plan, startNow bool) (storage.Plan, error) {
	d, err := a.open(ctx)
	if err != nil {
		return storage.Plan{}, err
	}
	defer d.Close()

	created, err := a.newPlans(d).Create(ctx, plan, startNow)
	if err != nil {
		return storage.Plan{}, err
	}
	a.printPlans([]storage.Plan{created})
	return created, nil
}

// EditPlan applies changes to an existing plan.
func (a *App) EditPlan(ctx context.Context, id int64, changes plans.Changes) (storage.Plan, error) {
	d, err := a.open(ctx)
	if err != nil {
		return storage.Plan{}, err
	}
	defer d.Close()

	updated, err := a.newPlans(d).Update(ctx, id, changes)
	if err != nil {
		return storage.Plan{}, err
	}
	a.printPlans([]storage.Plan{updated})
	return updated, nil
}

// SetPlanEnabled pauses or resumes a plan.
func (a *App) SetPlanEnabled(ctx context.Context, id int64, enabled bool) error {
	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	plan, err := a.newPlans(d).SetEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}
	a.printPlans([]storage.Plan{plan})
	return nil
}

// DeletePlan removes a plan. Its transactions stay in the ledger.
func (a *App) DeletePlan(ctx context.Context, id int64) error {
	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := a.newPlans(d).Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "plan %d deleted\n", id)
	return nil
}

// ListPlans prints every plan.
func (a *App) ListPlans(ctx context.Context) error {
	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	list, err := a.newPlans(d).List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no plans found")
		return nil
	}
	a.printPlans(list)
	return nil
}

func (a *App) printPlans(list []storage.Plan) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tVenue\tPair\tAmount\tSchedule\tStrategy\tEnabled\tWithdraw to\tNext run (UTC)")
	for _, p := range list {
		next := "-"
		if p.NextExecutionAt != nil {
			next = p.NextExecutionAt.UTC().Format(time.RFC3339)
		}
		withdraw := "-"
		if p.WithdrawalEnabled {
			withdraw = p.WithdrawalAddress
		}
		kind := "classic"
		if p.Strategy != nil {
			kind = string(p.Strategy.Kind())
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s %s\t%s\t%s\t%t\t%s\t%s\n",
			p.ID, p.Venue, p.Pair(), p.Amount.String(), p.Fiat, describePlanSchedule(p), kind, p.Enabled, withdraw, next)
	}
	writer.Flush()
}

func describePlanSchedule(p storage.Plan) string {
	if p.Frequency != schedule.Custom {
		return string(p.Frequency)
	}
	if text, ok := schedule.Describe(p.CronExpression); ok {
		return fmt.Sprintf("%s (%s)", p.CronExpression, text)
	}
	return p.CronExpression
}
