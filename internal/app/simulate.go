package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/alerting"
)

// SimulateAlert 向已配置的通知通道发送一条示例事件。
func (a *App) SimulateAlert(ctx context.Context, kind alerting.EventKind) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if _, ok := notifier.(alerting.Nop); ok {
		return errors.New("未配置任何告警通道")
	}

	event, err := sampleEvent(kind)
	if err != nil {
		return err
	}
	return notifier.Notify(ctx, event)
}

func sampleEvent(kind alerting.EventKind) (alerting.Event, error) {
	balance := decimal.NewFromInt(120)
	days := decimal.NewFromFloat(2.4)
	event := alerting.Event{
		Kind:         kind,
		PlanID:       1,
		Venue:        "paper",
		Crypto:       "BTC",
		Fiat:         "EUR",
		FiatAmount:   decimal.NewFromInt(50),
		CryptoAmount: decimal.RequireFromString("0.001"),
		Price:        decimal.NewFromInt(50000),
		Multiplier:   decimal.NewFromInt(1),
		At:           time.Now().UTC(),
	}
	switch kind {
	case alerting.EventPurchaseCompleted, alerting.EventPurchasePending:
	case alerting.EventPurchaseFailed:
		event.Reason = "insufficient balance"
	case alerting.EventWithdrawalFailed:
		event.Reason = "simulated withdrawal failure"
	case alerting.EventLowBalance:
		event.Balance = &balance
		event.RemainingDays = &days
	case alerting.EventImportComplete:
		event.Imported, event.Skipped = 12, 3
	default:
		return alerting.Event{}, fmt.Errorf("未知事件类型 %q", kind)
	}
	return event, nil
}
