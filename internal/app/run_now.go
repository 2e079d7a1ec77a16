package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"dcabot/internal/execution"
)

// RunNow executes the given plans, or every enabled plan when none are
// named, without waiting for their schedule.
func (a *App) RunNow(ctx context.Context, planIDs []int64) (execution.CycleReport, error) {
	d, err := a.open(ctx)
	if err != nil {
		return execution.CycleReport{}, err
	}
	defer d.Close()

	coordinator := a.newCoordinator(d)
	if _, err := coordinator.ResolvePending(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("resolve pending orders failed")
	}

	report, err := coordinator.RunNow(ctx, time.Now().UTC(), planIDs...)
	if err != nil {
		return report, err
	}
	a.printReport(report)
	return report, nil
}

func (a *App) printReport(report execution.CycleReport) {
	if len(report.Results) == 0 {
		fmt.Fprintln(a.Out, "no plans executed")
		return
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Plan\tOutcome\tTx\tMultiplier\tNext run (UTC)\tError")
	for _, res := range report.Results {
		next := "-"
		if res.NextExecutionAt != nil {
			next = res.NextExecutionAt.UTC().Format(time.RFC3339)
		}
		tx := "-"
		if res.TransactionID != 0 {
			tx = fmt.Sprintf("%d", res.TransactionID)
		}
		errMsg := ""
		if res.Err != nil {
			errMsg = sanitizeInline(res.Err.Error())
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\n", res.PlanID, res.Outcome, tx, res.Multiplier, next, errMsg)
	}
	writer.Flush()
	fmt.Fprintln(a.Out, report.Summary())
}
