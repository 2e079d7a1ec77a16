package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource quotes a spot price for paper fills.
type PriceSource interface {
	SpotPrice(ctx context.Context, crypto, fiat string) (decimal.Decimal, error)
}

// StaticPrices is a PriceSource backed by a fixed "BTC/EUR" -> price map.
type StaticPrices map[string]decimal.Decimal

// SpotPrice looks up crypto/fiat.
func (s StaticPrices) SpotPrice(_ context.Context, crypto, fiat string) (decimal.Decimal, error) {
	price, ok := s[NewPair(crypto, fiat).String()]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no static price for %s/%s", crypto, fiat)
	}
	return price, nil
}

// FallbackPrices tries each source in order.
type FallbackPrices []PriceSource

// SpotPrice returns the first successful quote.
func (f FallbackPrices) SpotPrice(ctx context.Context, crypto, fiat string) (decimal.Decimal, error) {
	var lastErr error = fmt.Errorf("no price source for %s/%s", crypto, fiat)
	for _, src := range f {
		if src == nil {
			continue
		}
		price, err := src.SpotPrice(ctx, crypto, fiat)
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return decimal.Zero, lastErr
}

// PaperOptions configure a simulated venue.
type PaperOptions struct {
	Name     string
	Balances map[string]decimal.Decimal
	Prices   PriceSource
	FeeRate  decimal.Decimal
	MinOrder decimal.Decimal
	// Precision is the fiat amount precision.
	Precision int32
	PageSize  int
	// SettleDelay keeps orders pending until it elapses.
	SettleDelay time.Duration
	Now         func() time.Time
}

type paperOrder struct {
	pair   Pair
	result OrderResult
	settle time.Time
}

// Paper simulates a venue in memory. Orders fill instantly at the price
// source's quote; fees are charged in fiat.
type Paper struct {
	mu       sync.Mutex
	opts     PaperOptions
	balances map[string]decimal.Decimal
	orders   map[string]*paperOrder
	history  []Trade
}

var (
	_ Client             = (*Paper)(nil)
	_ OrderStatusChecker = (*Paper)(nil)
	_ RulesProvider      = (*Paper)(nil)
)

const cryptoPrecision = 8

// NewPaper builds a paper venue.
func NewPaper(opts PaperOptions) *Paper {
	if opts.Name == "" {
		opts.Name = "paper"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	balances := make(map[string]decimal.Decimal, len(opts.Balances))
	for currency, amount := range opts.Balances {
		balances[strings.ToUpper(currency)] = amount
	}
	return &Paper{
		opts:     opts,
		balances: balances,
		orders:   make(map[string]*paperOrder),
	}
}

// Name returns the venue name.
func (p *Paper) Name() string {
	return p.opts.Name
}

// Rules exposes the configured minimum and precision for every pair.
func (p *Paper) Rules(Pair) Rules {
	return Rules{MinOrder: p.opts.MinOrder, AmountPrecision: p.opts.Precision}
}

// GetBalance returns the free balance of currency.
func (p *Paper) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[strings.ToUpper(currency)], nil
}

// Deposit credits a balance.
func (p *Paper) Deposit(currency string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(currency)
	p.balances[key] = p.balances[key].Add(amount)
}

// PlaceOrder market-buys req.FiatAmount worth of the base asset.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if !req.FiatAmount.IsPositive() {
		return OrderResult{}, Rejected("amount must be positive")
	}
	if p.opts.MinOrder.IsPositive() && req.FiatAmount.LessThan(p.opts.MinOrder) {
		return OrderResult{}, Rejected("amount %s below minimum %s", req.FiatAmount, p.opts.MinOrder)
	}
	if p.opts.Prices == nil {
		return OrderResult{}, fmt.Errorf("paper venue %s has no price source", p.opts.Name)
	}
	price, err := p.opts.Prices.SpotPrice(ctx, req.Pair.Base, req.Pair.Quote)
	if err != nil {
		return OrderResult{}, fmt.Errorf("quote %s: %w", req.Pair, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fiat := req.Pair.Quote
	if p.balances[fiat].LessThan(req.FiatAmount) {
		return OrderResult{}, Rejected("insufficient %s balance", fiat)
	}

	fee := req.FiatAmount.Mul(p.opts.FeeRate).Round(p.opts.Precision + 2)
	crypto := req.FiatAmount.Sub(fee).Div(price).Truncate(cryptoPrecision)
	now := p.opts.Now().UTC()

	p.balances[fiat] = p.balances[fiat].Sub(req.FiatAmount)
	p.balances[req.Pair.Base] = p.balances[req.Pair.Base].Add(crypto)

	result := OrderResult{
		OrderID:        uuid.NewString(),
		Status:         OrderFilled,
		FiatSpent:      req.FiatAmount,
		CryptoReceived: crypto,
		Price:          price,
		Fee:            fee,
		FeeAsset:       fiat,
		ExecutedAt:     now,
	}
	order := &paperOrder{pair: req.Pair, result: result, settle: now.Add(p.opts.SettleDelay)}
	p.orders[result.OrderID] = order
	p.history = append(p.history, Trade{
		OrderID:      result.OrderID,
		Side:         SideBuy,
		Pair:         req.Pair,
		CryptoAmount: crypto,
		FiatAmount:   req.FiatAmount,
		Price:        price,
		Fee:          fee,
		FeeAsset:     fiat,
		ExecutedAt:   now,
	})

	if p.opts.SettleDelay > 0 {
		pending := result
		pending.Status = OrderPending
		pending.CryptoReceived = decimal.Zero
		return pending, nil
	}
	return result, nil
}

// GetOrderStatus reports pending orders as filled once SettleDelay passed.
func (p *Paper) GetOrderStatus(ctx context.Context, pair Pair, orderID string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.pair != pair {
		return OrderResult{}, Rejected("unknown order %s", orderID)
	}
	if p.opts.Now().Before(order.settle) {
		pending := order.result
		pending.Status = OrderPending
		pending.CryptoReceived = decimal.Zero
		return pending, nil
	}
	return order.result, nil
}

// Withdraw moves crypto off the venue.
func (p *Paper) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (WithdrawResult, error) {
	if err := ctx.Err(); err != nil {
		return WithdrawResult{}, err
	}
	if strings.TrimSpace(address) == "" {
		return WithdrawResult{}, Rejected("withdrawal address required")
	}
	if !amount.IsPositive() {
		return WithdrawResult{}, Rejected("withdrawal amount must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToUpper(asset)
	if p.balances[key].LessThan(amount) {
		return WithdrawResult{}, Rejected("insufficient %s balance for withdrawal", key)
	}
	p.balances[key] = p.balances[key].Sub(amount)
	return WithdrawResult{ID: uuid.NewString(), Asset: key, Amount: amount, Address: address}, nil
}

// SeedTrades adds historical fills, e.g. from before the bot existed.
func (p *Paper) SeedTrades(trades ...Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, trades...)
	sort.SliceStable(p.history, func(i, j int) bool {
		return p.history[i].ExecutedAt.Before(p.history[j].ExecutedAt)
	})
}

// GetTradeHistory pages oldest first; the token is the next offset.
func (p *Paper) GetTradeHistory(ctx context.Context, pair Pair, pageToken string) (TradePage, error) {
	if err := ctx.Err(); err != nil {
		return TradePage{}, err
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return TradePage{}, Rejected("invalid page token %q", pageToken)
		}
		offset = n
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	matching := make([]Trade, 0, len(p.history))
	for _, t := range p.history {
		if t.Pair == pair {
			matching = append(matching, t)
		}
	}
	if offset >= len(matching) {
		return TradePage{}, nil
	}
	end := offset + p.opts.PageSize
	page := TradePage{}
	if end < len(matching) {
		page.NextToken = strconv.Itoa(end)
	} else {
		end = len(matching)
	}
	page.Trades = append(page.Trades, matching[offset:end]...)
	return page, nil
}
