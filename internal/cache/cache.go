// Package cache keeps balance snapshots in Redis in front of the durable
// store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dcabot/internal/storage"
)

// Store is a byte-oriented key/value store with TTL.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore implements Store on go-redis.
type RedisStore struct {
	Client redis.UniversalClient
}

// Get returns the value under key; found is false when the key is absent or
// expired.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set stores value under key for ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

type snapshotJSON struct {
	Amount     decimal.Decimal `json:"amount"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Balances is a write-through storage.BalanceCache: writes go to the KV
// store and the backing cache, reads prefer the KV store. KV errors are
// logged and never fail the caller while the backing cache answers.
type Balances struct {
	kv      Store
	backing storage.BalanceCache
	prefix  string
	ttl     time.Duration
	logger  zerolog.Logger
}

var _ storage.BalanceCache = (*Balances)(nil)

// NewBalances layers kv over backing. backing may be nil.
func NewBalances(kv Store, backing storage.BalanceCache, prefix string, ttl time.Duration, logger zerolog.Logger) *Balances {
	return &Balances{
		kv:      kv,
		backing: backing,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger.With().Str("component", "balance_cache").Logger(),
	}
}

func (b *Balances) key(venue, currency string) string {
	return b.prefix + "balance:" + venue + ":" + currency
}

// PutSnapshot writes through to both layers.
func (b *Balances) PutSnapshot(ctx context.Context, snap storage.BalanceSnapshot) error {
	payload, err := json.Marshal(snapshotJSON{Amount: snap.Amount, ObservedAt: snap.ObservedAt})
	if err != nil {
		return fmt.Errorf("encode balance snapshot: %w", err)
	}
	kvErr := b.kv.Set(ctx, b.key(snap.Venue, snap.Currency), payload, b.ttl)
	if b.backing == nil {
		return kvErr
	}
	if kvErr != nil {
		b.logger.Warn().Err(kvErr).Str("venue", snap.Venue).Str("currency", snap.Currency).Msg("缓存余额快照失败")
	}
	return b.backing.PutSnapshot(ctx, snap)
}

// GetSnapshot reads the KV store first and falls back to backing.
func (b *Balances) GetSnapshot(ctx context.Context, venue, currency string) (storage.BalanceSnapshot, bool, error) {
	raw, found, err := b.kv.Get(ctx, b.key(venue, currency))
	switch {
	case err != nil && b.backing == nil:
		return storage.BalanceSnapshot{}, false, err
	case err != nil:
		b.logger.Warn().Err(err).Str("venue", venue).Str("currency", currency).Msg("读取余额缓存失败")
	case found:
		var snap snapshotJSON
		if decodeErr := json.Unmarshal(raw, &snap); decodeErr == nil {
			return storage.BalanceSnapshot{Venue: venue, Currency: currency, Amount: snap.Amount, ObservedAt: snap.ObservedAt}, true, nil
		}
	}
	if b.backing == nil {
		return storage.BalanceSnapshot{}, false, nil
	}
	return b.backing.GetSnapshot(ctx, venue, currency)
}
