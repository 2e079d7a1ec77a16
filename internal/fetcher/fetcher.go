package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CoinQuote is the current price and all-time high of a coin in one fiat.
type CoinQuote struct {
	Price decimal.Decimal
	ATH   decimal.Decimal
}

// CoinFetcher retrieves price and ATH for crypto in fiat.
type CoinFetcher interface {
	FetchCoin(ctx context.Context, crypto, fiat string) (CoinQuote, error)
}

// SentimentFetcher retrieves the 0-100 Fear & Greed index.
type SentimentFetcher interface {
	FetchFearGreed(ctx context.Context) (int, error)
}

type errorResponse struct {
	Error   string `json:"error"`
	Status  any    `json:"status"`
	Message string `json:"message"`
}

func parseHTTPError(api string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("%s api error (%d): %s", api, status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", api, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", api, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", api, status)
}
