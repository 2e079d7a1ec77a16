package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"dcabot/internal/strategy"
)

const fearGreedKey = "fng"

type cachedValue struct {
	value   any
	expires time.Time
}

// Provider assembles strategy.MarketContext from the fetchers with a TTL
// cache. Concurrent misses for one key share a single request.
type Provider struct {
	coins     CoinFetcher
	sentiment SentimentFetcher
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedValue
}

// NewProvider wires the fetchers. Either may be nil.
func NewProvider(coins CoinFetcher, sentiment SentimentFetcher, ttl time.Duration, logger zerolog.Logger) *Provider {
	return &Provider{
		coins:     coins,
		sentiment: sentiment,
		ttl:       ttl,
		logger:    logger.With().Str("component", "market_provider").Logger(),
		now:       time.Now,
		cache:     make(map[string]cachedValue),
	}
}

// MarketContext fetches only what s needs. Failures leave fields nil, which
// the strategy treats as unknown.
func (p *Provider) MarketContext(ctx context.Context, s strategy.Strategy, crypto, fiat string) strategy.MarketContext {
	var mc strategy.MarketContext
	if p == nil || s == nil {
		return mc
	}
	switch s.Kind() {
	case strategy.KindAthBased:
		quote, err := p.coin(ctx, crypto, fiat)
		if err != nil {
			p.logger.Warn().Err(err).Str("crypto", crypto).Str("fiat", fiat).Msg("行情获取失败, 按经典策略执行")
			return mc
		}
		price, ath := quote.Price, quote.ATH
		mc.Price, mc.ATH = &price, &ath
	case strategy.KindFearAndGreed:
		value, err := p.fearGreed(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("恐慌贪婪指数获取失败, 按经典策略执行")
			return mc
		}
		mc.FearGreed = &value
	}
	return mc
}

// SpotPrice serves paper fills from the CoinGecko quote.
func (p *Provider) SpotPrice(ctx context.Context, crypto, fiat string) (decimal.Decimal, error) {
	quote, err := p.coin(ctx, crypto, fiat)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

func (p *Provider) coin(ctx context.Context, crypto, fiat string) (CoinQuote, error) {
	if p.coins == nil {
		return CoinQuote{}, errDisabled("coin")
	}
	key := "coin:" + strings.ToUpper(crypto) + "/" + strings.ToUpper(fiat)
	v, err := p.load(ctx, key, func(ctx context.Context) (any, error) {
		return p.coins.FetchCoin(ctx, crypto, fiat)
	})
	if err != nil {
		return CoinQuote{}, err
	}
	return v.(CoinQuote), nil
}

func (p *Provider) fearGreed(ctx context.Context) (int, error) {
	if p.sentiment == nil {
		return 0, errDisabled("fear and greed")
	}
	v, err := p.load(ctx, fearGreedKey, func(ctx context.Context) (any, error) {
		return p.sentiment.FetchFearGreed(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (p *Provider) load(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	p.mu.Lock()
	if hit, ok := p.cache[key]; ok && p.now().Before(hit.expires) {
		p.mu.Unlock()
		return hit.value, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(key, func() (any, error) {
		p.mu.Lock()
		if hit, ok := p.cache[key]; ok && p.now().Before(hit.expires) {
			p.mu.Unlock()
			return hit.value, nil
		}
		p.mu.Unlock()

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if p.ttl > 0 {
			p.mu.Lock()
			p.cache[key] = cachedValue{value: value, expires: p.now().Add(p.ttl)}
			p.mu.Unlock()
		}
		return value, nil
	})
	return v, err
}

type errDisabled string

func (e errDisabled) Error() string {
	return string(e) + " market data disabled"
}
