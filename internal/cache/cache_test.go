package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/storage"
)

type mapStore struct {
	mu     sync.Mutex
	items  map[string][]byte
	getErr error
	setErr error
}

func newMapStore() *mapStore { return &mapStore{items: map[string][]byte{}} }

func (m *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.items[key] = value
	return nil
}

func TestBalancesWriteThrough(t *testing.T) {
	ctx := context.Background()
	kv := newMapStore()
	backing := storage.NewMemory()
	b := NewBalances(kv, backing, "t:", time.Hour, zerolog.Nop())

	observed := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, b.PutSnapshot(ctx, storage.BalanceSnapshot{Venue: "paper", Currency: "EUR", Amount: decimal.RequireFromString("123.45"), ObservedAt: observed}))

	assert.Contains(t, kv.items, "t:balance:paper:EUR")
	_, ok, err := backing.GetSnapshot(ctx, "paper", "EUR")
	require.NoError(t, err)
	assert.True(t, ok)

	snap, ok, err := b.GetSnapshot(ctx, "paper", "EUR")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123.45", snap.Amount.String())
	assert.True(t, snap.ObservedAt.Equal(observed))
}

func TestBalancesFallsBackWhenKVFails(t *testing.T) {
	ctx := context.Background()
	kv := newMapStore()
	backing := storage.NewMemory()
	require.NoError(t, backing.PutSnapshot(ctx, storage.BalanceSnapshot{Venue: "paper", Currency: "EUR", Amount: decimal.NewFromInt(9)}))

	kv.getErr = errors.New("connection refused")
	kv.setErr = errors.New("connection refused")
	b := NewBalances(kv, backing, "", time.Hour, zerolog.Nop())

	snap, ok, err := b.GetSnapshot(ctx, "paper", "EUR")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9", snap.Amount.String())

	require.NoError(t, b.PutSnapshot(ctx, storage.BalanceSnapshot{Venue: "paper", Currency: "EUR", Amount: decimal.NewFromInt(4)}))
	snap, _, _ = backing.GetSnapshot(ctx, "paper", "EUR")
	assert.Equal(t, "4", snap.Amount.String())
}

func TestBalancesWithoutBacking(t *testing.T) {
	ctx := context.Background()
	kv := newMapStore()
	b := NewBalances(kv, nil, "", time.Hour, zerolog.Nop())

	_, ok, err := b.GetSnapshot(ctx, "paper", "EUR")
	require.NoError(t, err)
	assert.False(t, ok)

	kv.setErr = errors.New("down")
	assert.Error(t, b.PutSnapshot(ctx, storage.BalanceSnapshot{Venue: "paper", Currency: "EUR"}))
}
