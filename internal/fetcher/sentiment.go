package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dcabot/internal/version"
)

// SentimentOptions parameterise the alternative.me fetcher.
type SentimentOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Sentiment reads the Fear & Greed index from alternative.me.
type Sentiment struct {
	opts   SentimentOptions
	logger zerolog.Logger
	client *http.Client
}

// NewSentiment builds a Fear & Greed fetcher.
func NewSentiment(opts SentimentOptions, logger zerolog.Logger) *Sentiment {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.URL == "" {
		opts.URL = "https://api.alternative.me/fng/"
	}
	return &Sentiment{
		opts:   opts,
		logger: logger.With().Str("component", "sentiment_fetcher").Logger(),
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// FetchFearGreed returns the latest index value.
func (s *Sentiment) FetchFearGreed(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, parseHTTPError("fear&greed", resp.StatusCode, payload)
	}

	var body fngResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return 0, fmt.Errorf("decode fear&greed response: %w", err)
	}
	if len(body.Data) == 0 {
		return 0, errors.New("fear&greed: empty data")
	}

	value, err := strconv.Atoi(strings.TrimSpace(body.Data[0].Value))
	if err != nil {
		return 0, fmt.Errorf("fear&greed: parse value %q: %w", body.Data[0].Value, err)
	}
	if value < 0 || value > 100 {
		return 0, fmt.Errorf("fear&greed: value %d out of range", value)
	}
	s.logger.Debug().Int("value", value).Str("classification", body.Data[0].Classification).Msg("fetched fear and greed index")
	return value, nil
}

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
	} `json:"data"`
}

var _ SentimentFetcher = (*Sentiment)(nil)
