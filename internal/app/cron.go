package app

import (
	"fmt"
	"time"

	"dcabot/internal/schedule"
)

// CronCheck validates a 5-field cron expression.
func (a *App) CronCheck(expr string) error {
	resolver, err := a.newResolver()
	if err != nil {
		return err
	}
	if err := resolver.Validate(expr); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%q is valid\n", expr)
	return nil
}

// CronNext prints the next count runs of expr after from.
func (a *App) CronNext(expr string, from time.Time, count int) ([]time.Time, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be greater than zero")
	}
	resolver, err := a.newResolver()
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, count)
	at := from
	for i := 0; i < count; i++ {
		next, err := resolver.NextRun(schedule.Custom, expr, at)
		if err != nil {
			return runs, err
		}
		runs = append(runs, next)
		at = next
	}
	for _, run := range runs {
		fmt.Fprintln(a.Out, run.In(resolver.Location()).Format(time.RFC3339))
	}
	return runs, nil
}

// CronDescribe prints an English rendering of expr and its average spacing.
func (a *App) CronDescribe(expr string) error {
	resolver, err := a.newResolver()
	if err != nil {
		return err
	}
	if err := resolver.Validate(expr); err != nil {
		return err
	}
	text, ok := schedule.Describe(expr)
	if !ok {
		text = "custom schedule"
	}
	fmt.Fprintln(a.Out, text)
	if minutes, err := resolver.EstimateIntervalMinutes(schedule.Custom, expr); err == nil {
		fmt.Fprintf(a.Out, "runs about every %s\n", time.Duration(minutes)*time.Minute)
	}
	return nil
}
