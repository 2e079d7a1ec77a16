package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestPaper(now *time.Time) *Paper {
	return NewPaper(PaperOptions{
		Name:      "paper",
		Balances:  map[string]decimal.Decimal{"eur": d("100")},
		Prices:    StaticPrices{"BTC/EUR": d("50000")},
		FeeRate:   d("0.01"),
		MinOrder:  d("5"),
		Precision: 2,
		PageSize:  2,
		Now:       func() time.Time { return *now },
	})
}

func TestPaperPlaceOrderFills(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	p := newTestPaper(&now)

	res, err := p.PlaceOrder(ctx, OrderRequest{Pair: NewPair("btc", "eur"), FiatAmount: d("50")})
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, res.Status)
	assert.Equal(t, "0.5", res.Fee.String())
	assert.Equal(t, "0.00099", res.CryptoReceived.String())
	assert.Equal(t, "EUR", res.FeeAsset)

	eur, err := p.GetBalance(ctx, "EUR")
	require.NoError(t, err)
	assert.Equal(t, "50", eur.String())
	btc, _ := p.GetBalance(ctx, "btc")
	assert.Equal(t, "0.00099", btc.String())
}

func TestPaperRejections(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p := newTestPaper(&now)
	pair := NewPair("BTC", "EUR")

	_, err := p.PlaceOrder(ctx, OrderRequest{Pair: pair, FiatAmount: d("1")})
	assert.True(t, IsRejected(err), "below minimum: %v", err)

	_, err = p.PlaceOrder(ctx, OrderRequest{Pair: pair, FiatAmount: d("500")})
	assert.True(t, IsRejected(err), "insufficient: %v", err)

	_, err = p.PlaceOrder(ctx, OrderRequest{Pair: NewPair("ETH", "EUR"), FiatAmount: d("10")})
	require.Error(t, err)
	assert.False(t, IsRejected(err), "missing quote is not a venue rejection")

	_, err = p.Withdraw(ctx, "BTC", d("1"), "bc1q")
	assert.True(t, IsRejected(err))
	_, err = p.Withdraw(ctx, "BTC", d("1"), "")
	assert.True(t, IsRejected(err))
}

func TestPaperSettleDelay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	p := newTestPaper(&now)
	p.opts.SettleDelay = time.Minute
	pair := NewPair("BTC", "EUR")

	res, err := p.PlaceOrder(ctx, OrderRequest{Pair: pair, FiatAmount: d("10")})
	require.NoError(t, err)
	assert.Equal(t, OrderPending, res.Status)

	status, err := p.GetOrderStatus(ctx, pair, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, status.Status)

	now = now.Add(2 * time.Minute)
	status, err = p.GetOrderStatus(ctx, pair, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, status.Status)
	assert.True(t, status.CryptoReceived.IsPositive())
}

func TestPaperTradeHistoryPaging(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p := newTestPaper(&now)
	pair := NewPair("BTC", "EUR")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p.SeedTrades(Trade{OrderID: string(rune('a' + i)), Side: SideBuy, Pair: pair, ExecutedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	p.SeedTrades(Trade{OrderID: "eth", Side: SideBuy, Pair: NewPair("ETH", "EUR"), ExecutedAt: base})

	var ids []string
	token := ""
	pages := 0
	for {
		page, err := p.GetTradeHistory(ctx, pair, token)
		require.NoError(t, err)
		pages++
		for _, tr := range page.Trades {
			ids = append(ids, tr.OrderID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)

	_, err := p.GetTradeHistory(ctx, pair, "x")
	assert.True(t, IsRejected(err))
}

func TestRegistry(t *testing.T) {
	now := time.Now()
	r := NewRegistry(newTestPaper(&now))
	c, err := r.Get("paper")
	require.NoError(t, err)
	assert.Equal(t, "paper", c.Name())

	_, err = r.Get("kraken")
	assert.True(t, errors.Is(err, ErrUnknownVenue))
	assert.Equal(t, []string{"paper"}, r.Names())
}

func TestParsePair(t *testing.T) {
	for _, raw := range []string{"BTC/EUR", "btc-eur", "BTC_EUR"} {
		p, err := ParsePair(raw)
		require.NoError(t, err)
		assert.Equal(t, "BTC/EUR", p.String())
	}
	_, err := ParsePair("BTCEUR")
	assert.Error(t, err)
}

func TestFallbackPrices(t *testing.T) {
	src := FallbackPrices{StaticPrices{}, StaticPrices{"BTC/EUR": d("1")}}
	price, err := src.SpotPrice(context.Background(), "btc", "eur")
	require.NoError(t, err)
	assert.Equal(t, "1", price.String())

	_, err = FallbackPrices{}.SpotPrice(context.Background(), "btc", "eur")
	assert.Error(t, err)
}
