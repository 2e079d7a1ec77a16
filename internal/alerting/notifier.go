package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// EventKind 标识事件类型。
type EventKind string

const (
	EventPurchaseCompleted EventKind = "purchase_completed"
	EventPurchasePending   EventKind = "purchase_pending"
	EventPurchaseFailed    EventKind = "purchase_failed"
	EventLowBalance        EventKind = "low_balance"
	EventWithdrawalFailed  EventKind = "withdrawal_failed"
	EventImportComplete    EventKind = "import_complete"
)

// Event 封装通知上下文。字段按事件类型选填。
type Event struct {
	Kind          EventKind
	PlanID        int64
	Venue         string
	Crypto        string
	Fiat          string
	FiatAmount    decimal.Decimal
	CryptoAmount  decimal.Decimal
	Price         decimal.Decimal
	Multiplier    decimal.Decimal
	Balance       *decimal.Decimal
	RemainingDays *decimal.Decimal
	Imported      int
	Skipped       int
	Reason        string
	At            time.Time
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", string(event.Kind)).Int64("plan_id", event.PlanID).Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(e Event) string {
	pair := e.Crypto + "/" + e.Fiat
	builder := strings.Builder{}
	switch e.Kind {
	case EventPurchaseCompleted:
		builder.WriteString("[DCA] Purchase completed\n")
		builder.WriteString(fmt.Sprintf("Plan #%d on %s: bought %s %s for %s %s @ %s\n",
			e.PlanID, e.Venue, e.CryptoAmount.String(), e.Crypto, e.FiatAmount.String(), e.Fiat, e.Price.String()))
		if !e.Multiplier.IsZero() && !e.Multiplier.Equal(decimal.NewFromInt(1)) {
			builder.WriteString(fmt.Sprintf("Multiplier: x%s\n", e.Multiplier.String()))
		}
	case EventPurchasePending:
		builder.WriteString("[DCA] Purchase pending\n")
		builder.WriteString(fmt.Sprintf("Plan #%d on %s: %s %s order accepted, awaiting settlement\n", e.PlanID, e.Venue, e.FiatAmount.String(), pair))
	case EventPurchaseFailed:
		builder.WriteString("[DCA] Purchase failed\n")
		builder.WriteString(fmt.Sprintf("Plan #%d on %s (%s): %s\n", e.PlanID, e.Venue, pair, e.Reason))
	case EventLowBalance:
		builder.WriteString("[DCA] Low balance\n")
		builder.WriteString(fmt.Sprintf("Plan #%d on %s (%s)", e.PlanID, e.Venue, pair))
		if e.Balance != nil {
			builder.WriteString(fmt.Sprintf(": %s %s left", e.Balance.String(), e.Fiat))
		}
		if e.RemainingDays != nil {
			builder.WriteString(fmt.Sprintf(", about %s days of purchases", e.RemainingDays.StringFixed(1)))
		}
		builder.WriteString("\n")
	case EventWithdrawalFailed:
		builder.WriteString("[DCA] Withdrawal failed\n")
		builder.WriteString(fmt.Sprintf("Plan #%d on %s: %s %s not withdrawn: %s\n", e.PlanID, e.Venue, e.CryptoAmount.String(), e.Crypto, e.Reason))
	case EventImportComplete:
		builder.WriteString("[DCA] Import complete\n")
		builder.WriteString(fmt.Sprintf("%s %s: %d imported, %d skipped\n", e.Venue, pair, e.Imported, e.Skipped))
	default:
		builder.WriteString(fmt.Sprintf("[DCA] %s\n", e.Kind))
		if e.Reason != "" {
			builder.WriteString(e.Reason + "\n")
		}
	}
	if !e.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC", e.At.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

// LogNotifier 将事件写入日志。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志通知器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 以 info 级别记录事件; 失败类事件使用 warn。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	entry := n.logger.Info()
	switch event.Kind {
	case EventPurchaseFailed, EventWithdrawalFailed, EventLowBalance:
		entry = n.logger.Warn()
	}
	entry.Str("kind", string(event.Kind)).
		Int64("plan_id", event.PlanID).
		Str("venue", event.Venue).
		Str("pair", event.Crypto+"/"+event.Fiat).
		Msg(strings.ReplaceAll(renderMessage(event), "\n", " | "))
	return nil
}

// Multi 依次调用所有通知器, 汇总错误。
type Multi []Notifier

// Notify 调用全部通知器。
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃所有事件。
type Nop struct{}

// Notify 不做任何事。
func (Nop) Notify(context.Context, Event) error { return nil }

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = Nop{}
)
