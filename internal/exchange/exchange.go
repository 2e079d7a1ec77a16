// Package exchange defines what the engine needs from a trading venue.
// Venue HTTP clients live outside this repository; Paper is the built-in
// simulated venue.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Pair is a crypto/fiat market.
type Pair struct {
	Base  string
	Quote string
}

// NewPair upper-cases both legs.
func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(strings.TrimSpace(base)), Quote: strings.ToUpper(strings.TrimSpace(quote))}
}

// ParsePair accepts "BTC/EUR", "BTC-EUR" and "BTC_EUR".
func ParsePair(raw string) (Pair, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '-' || r == '_' })
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair %q", raw)
	}
	return NewPair(parts[0], parts[1]), nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// OrderStatus is the venue-side state of an order.
type OrderStatus string

const (
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderPending         OrderStatus = "pending"
	OrderRejected        OrderStatus = "rejected"
)

// Side of a historical trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRequest is a market buy spending FiatAmount.
type OrderRequest struct {
	Pair          Pair
	FiatAmount    decimal.Decimal
	ClientOrderID string
}

// OrderResult describes what the venue did with an order.
type OrderResult struct {
	OrderID        string
	Status         OrderStatus
	FiatSpent      decimal.Decimal
	CryptoReceived decimal.Decimal
	Price          decimal.Decimal
	Fee            decimal.Decimal
	FeeAsset       string
	Message        string
	ExecutedAt     time.Time
}

// WithdrawResult is the venue's acknowledgement of a withdrawal.
type WithdrawResult struct {
	ID      string
	Asset   string
	Amount  decimal.Decimal
	Fee     decimal.Decimal
	Address string
}

// Trade is one historical fill.
type Trade struct {
	OrderID      string
	Side         Side
	Pair         Pair
	CryptoAmount decimal.Decimal
	FiatAmount   decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	ExecutedAt   time.Time
}

// TradePage is one page of history. An empty NextToken ends the listing.
type TradePage struct {
	Trades    []Trade
	NextToken string
}

// Client is the venue capability used by the engine.
type Client interface {
	Name() string
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (WithdrawResult, error)
	GetTradeHistory(ctx context.Context, pair Pair, pageToken string) (TradePage, error)
}

// OrderStatusChecker is implemented by venues that can look up an order
// after placement.
type OrderStatusChecker interface {
	GetOrderStatus(ctx context.Context, pair Pair, orderID string) (OrderResult, error)
}

// Rules are per-pair trading constraints.
type Rules struct {
	MinOrder        decimal.Decimal
	AmountPrecision int32
}

// RulesProvider is implemented by venues that publish trading rules.
type RulesProvider interface {
	Rules(pair Pair) Rules
}

// RejectedError is a terminal venue answer: the request was understood and
// refused, and retrying will not help.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "venue rejected request: " + e.Reason
}

// Rejected builds a RejectedError.
func Rejected(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// ErrUnknownVenue is returned by Registry.Get.
var ErrUnknownVenue = errors.New("unknown venue")

// Registry maps venue names to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry registers the given clients under their Name().
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a client.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get looks up a venue.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, name)
	}
	return c, nil
}

// Names lists registered venues alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
