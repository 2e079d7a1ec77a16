package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"dcabot/internal/alerting"
	"dcabot/internal/reconcile"
	"dcabot/internal/storage"
)

// ImportCSV loads an exported trade file into the plan's ledger.
func (a *App) ImportCSV(ctx context.Context, opts ImportOptions) (reconcile.Summary, error) {
	if opts.Path == "" {
		return reconcile.Summary{}, errors.New("--file is required")
	}
	file, err := os.Open(opts.Path)
	if err != nil {
		return reconcile.Summary{}, err
	}
	defer file.Close()

	d, err := a.open(ctx)
	if err != nil {
		return reconcile.Summary{}, err
	}
	defer d.Close()

	plan, err := d.repo.GetPlan(ctx, opts.PlanID)
	if err != nil {
		return reconcile.Summary{}, err
	}

	summary, err := a.newImporter(d).ImportCSV(ctx, file, opts.Format, plan)
	if err != nil {
		return summary, err
	}
	fmt.Fprintf(a.Out, "parsed %d, imported %d, skipped %d duplicates\n", summary.Parsed, summary.Imported, summary.Skipped)
	a.notifyImport(ctx, d.notifier, plan, summary)
	return summary, nil
}

// ImportAPI pulls the plan's trade history from its venue.
func (a *App) ImportAPI(ctx context.Context, planID int64) (reconcile.Summary, error) {
	d, err := a.open(ctx)
	if err != nil {
		return reconcile.Summary{}, err
	}
	defer d.Close()

	plan, err := d.repo.GetPlan(ctx, planID)
	if err != nil {
		return reconcile.Summary{}, err
	}
	client, err := d.venues.Get(plan.Venue)
	if err != nil {
		return reconcile.Summary{}, err
	}

	summary, err := a.newImporter(d).ImportFromAPI(ctx, client, plan, a.printProgress)
	if err != nil {
		return summary, err
	}
	a.notifyImport(ctx, d.notifier, plan, summary)
	return summary, nil
}

func (a *App) notifyImport(ctx context.Context, notifier alerting.Notifier, plan storage.Plan, summary reconcile.Summary) {
	notifyCtx, cancel := context.WithTimeout(ctx, a.Config.Execution.NotifyTimeout)
	defer cancel()
	err := notifier.Notify(notifyCtx, alerting.Event{
		Kind:     alerting.EventImportComplete,
		PlanID:   plan.ID,
		Venue:    plan.Venue,
		Crypto:   plan.Crypto,
		Fiat:     plan.Fiat,
		Imported: summary.Imported,
		Skipped:  summary.Skipped,
		At:       time.Now().UTC(),
	})
	if err != nil {
		a.Logger.Debug().Err(err).Msg("import notification failed")
	}
}

func (a *App) printProgress(p reconcile.Progress) {
	switch ev := p.(type) {
	case reconcile.Fetching:
		fmt.Fprintf(a.Out, "fetching page %d (%d buys so far)\n", ev.Page, ev.Total)
	case reconcile.Deduplicating:
		fmt.Fprintf(a.Out, "deduplicating %d trades\n", ev.Count)
	case reconcile.Importing:
		fmt.Fprintf(a.Out, "importing %d new trades\n", ev.New)
	case reconcile.Complete:
		fmt.Fprintf(a.Out, "done: imported %d, skipped %d duplicates\n", ev.Imported, ev.Skipped)
	case reconcile.Failed:
		fmt.Fprintf(a.Out, "import failed: %s\n", ev.Message)
	}
}
