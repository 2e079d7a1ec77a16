package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"dcabot/internal/storage"
)

// Show prints the most recent transactions, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	filter := storage.TxFilter{PlanID: opts.PlanID, Limit: opts.Limit, Desc: true}
	if opts.Status != "" {
		status := storage.Status(strings.ToUpper(strings.TrimSpace(opts.Status)))
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", opts.Status)
		}
		filter.Status = status
	}

	repo, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	txs, err := repo.Query(ctx, filter)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(a.Out, "no transactions found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPlan\tVenue\tPair\tFiat\tCrypto\tPrice\tFee\tStatus\tOrder\tError")

	for _, tx := range txs {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s/%s\t%s\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
			tx.ExecutedAt.UTC().Format(time.RFC3339),
			tx.PlanID,
			tx.Venue,
			tx.Crypto, tx.Fiat,
			formatDecimal(tx.FiatAmount, 2),
			tx.CryptoAmount.String(),
			formatDecimal(tx.Price, 2),
			tx.Fee.String(), tx.FeeAsset,
			tx.Status,
			tx.OrderID,
			sanitizeInline(tx.ErrorMessage),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
