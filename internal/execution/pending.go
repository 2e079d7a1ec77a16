package execution

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dcabot/internal/alerting"
	"dcabot/internal/exchange"
	"dcabot/internal/storage"
)

// PendingReport counts what one settlement pass did.
type PendingReport struct {
	Checked int
	Settled int
	Failed  int
}

// ResolvePending asks venues about PENDING and PARTIAL ledger rows and
// settles the ones that reached a final state. Venues that cannot look up
// orders are skipped. Per-row failures are logged only.
func (c *Coordinator) ResolvePending(ctx context.Context) (PendingReport, error) {
	var report PendingReport
	rows, err := c.deps.Ledger.ListUnsettled(ctx)
	if err != nil {
		return report, fmt.Errorf("list unsettled: %w", err)
	}
	if len(rows) == 0 {
		return report, nil
	}

	var checked, settled, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for _, row := range rows {
		if row.OrderID == "" {
			continue
		}
		client, err := c.deps.Venues.Get(row.Venue)
		if err != nil {
			c.logger.Debug().Err(err).Int64("tx_id", row.ID).Msg("pending row on unknown venue")
			continue
		}
		checker, ok := client.(exchange.OrderStatusChecker)
		if !ok {
			continue
		}
		g.Go(func() error {
			checked.Add(1)
			logger := c.logger.With().Int64("tx_id", row.ID).Str("order_id", row.OrderID).Logger()
			changed, err := c.settle(ctx, logger, checker, row)
			if err != nil {
				failed.Add(1)
				logger.Warn().Err(err).Msg("settle pending order failed")
				return nil
			}
			if changed {
				settled.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report = PendingReport{Checked: int(checked.Load()), Settled: int(settled.Load()), Failed: int(failed.Load())}
	if report.Checked > 0 {
		c.logger.Info().Int("checked", report.Checked).Int("settled", report.Settled).Int("failed", report.Failed).Msg("pending orders resolved")
	}
	return report, nil
}

func (c *Coordinator) settle(ctx context.Context, logger zerolog.Logger, checker exchange.OrderStatusChecker, row storage.Transaction) (bool, error) {
	orderCtx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	order, err := checker.GetOrderStatus(orderCtx, exchange.NewPair(row.Crypto, row.Fiat), row.OrderID)
	cancel()
	if err != nil {
		return false, err
	}

	status := statusFor(order.Status)
	if status == row.Status {
		return false, nil
	}
	updated := fromOrder(row, order)
	updated.ExecutedAt = row.ExecutedAt
	if status == storage.StatusFailed {
		updated.ErrorMessage = order.Message
		if updated.ErrorMessage == "" {
			updated.ErrorMessage = "order rejected by venue"
		}
	}
	ok, err := c.deps.Ledger.Settle(ctx, updated)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	logger.Info().Str("status", string(updated.Status)).Str("crypto_amount", updated.CryptoAmount.String()).Msg("pending order settled")

	kind := alerting.EventPurchaseCompleted
	if status == storage.StatusFailed {
		kind = alerting.EventPurchaseFailed
	}
	event := eventFor(kind, storage.Plan{ID: row.PlanID, Venue: row.Venue, Crypto: row.Crypto, Fiat: row.Fiat}, updated, decimal.Zero)
	event.Reason = updated.ErrorMessage
	c.notify(ctx, event)
	return true, nil
}
