package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dcabot/internal/version"
)

// coinIDs maps ticker symbols to CoinGecko ids.
var coinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"ADA":  "cardano",
	"DOT":  "polkadot",
	"LTC":  "litecoin",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
}

// CoinID returns the CoinGecko id for a ticker, falling back to the
// lower-cased ticker.
func CoinID(crypto string) string {
	if id, ok := coinIDs[strings.ToUpper(crypto)]; ok {
		return id
	}
	return strings.ToLower(crypto)
}

// vsCurrency maps a fiat code to CoinGecko's vs_currency. Stablecoins quote
// as USD.
func vsCurrency(fiat string) string {
	switch strings.ToUpper(fiat) {
	case "USDT", "USDC":
		return "usd"
	default:
		return strings.ToLower(fiat)
	}
}

// MarketOptions parameterise the CoinGecko fetcher.
type MarketOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Market fetches coin data from CoinGecko.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMarket constructs a CoinGecko fetcher.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchCoin reads current_price and ath from /coins/{id}.
func (m *Market) FetchCoin(ctx context.Context, crypto, fiat string) (CoinQuote, error) {
	id := CoinID(crypto)
	vs := vsCurrency(fiat)

	query := url.Values{}
	query.Set("localization", "false")
	query.Set("tickers", "false")
	query.Set("community_data", "false")
	query.Set("developer_data", "false")
	endpoint := m.baseURL + "/coins/" + url.PathEscape(id) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CoinQuote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return CoinQuote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return CoinQuote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return CoinQuote{}, parseHTTPError("coingecko", resp.StatusCode, payload)
	}

	var coin coinResponse
	if err := json.Unmarshal(payload, &coin); err != nil {
		return CoinQuote{}, fmt.Errorf("decode coingecko response: %w", err)
	}

	price, ok := coin.MarketData.CurrentPrice[vs]
	if !ok || !price.IsPositive() {
		return CoinQuote{}, fmt.Errorf("coingecko: no %s price for %s", vs, id)
	}
	ath, ok := coin.MarketData.ATH[vs]
	if !ok || !ath.IsPositive() {
		return CoinQuote{}, fmt.Errorf("coingecko: no %s ath for %s", vs, id)
	}

	m.logger.Debug().Str("coin", id).Str("vs", vs).Str("price", price.String()).Str("ath", ath.String()).Msg("fetched coin quote")
	return CoinQuote{Price: price, ATH: ath}, nil
}

type coinResponse struct {
	ID         string `json:"id"`
	MarketData struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
		ATH          map[string]decimal.Decimal `json:"ath"`
	} `json:"market_data"`
}

var _ CoinFetcher = (*Market)(nil)
