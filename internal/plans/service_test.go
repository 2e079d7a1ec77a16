package plans

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/lock"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

var fixedNow = time.Date(2025, 7, 1, 10, 30, 0, 0, time.UTC)

func newService() (*Service, *storage.Memory, *lock.Memory) {
	store := storage.NewMemory()
	locker := lock.NewMemory()
	svc := NewService(store, schedule.NewResolver(schedule.Options{}), locker, []string{"ETH", "USDC"}, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return svc, store, locker
}

func basePlan() storage.Plan {
	return storage.Plan{
		Venue:     " paper ",
		Crypto:    "btc",
		Fiat:      "eur",
		Amount:    decimal.NewFromInt(25),
		Frequency: schedule.Weekly,
		Enabled:   true,
	}
}

func TestCreate(t *testing.T) {
	svc, _, _ := newService()

	plan, err := svc.Create(context.Background(), basePlan(), false)
	require.NoError(t, err)
	assert.NotZero(t, plan.ID)
	assert.Equal(t, "paper", plan.Venue)
	assert.Equal(t, "BTC/EUR", plan.Pair())
	assert.Equal(t, strategy.KindClassic, plan.Strategy.Kind())
	require.NotNil(t, plan.NextExecutionAt)
	assert.True(t, plan.NextExecutionAt.Equal(fixedNow.Add(7*24*time.Hour)))
	assert.True(t, plan.CreatedAt.Equal(fixedNow))

	now, err := svc.Create(context.Background(), basePlan(), true)
	require.NoError(t, err)
	assert.True(t, now.NextExecutionAt.Equal(fixedNow))
}

func TestCreateCustomCron(t *testing.T) {
	svc, _, _ := newService()
	p := basePlan()
	p.Frequency = schedule.Custom
	p.CronExpression = "0 9 * * 1"

	plan, err := svc.Create(context.Background(), p, false)
	require.NoError(t, err)
	// 2025-07-01 is a Tuesday
	assert.True(t, plan.NextExecutionAt.Equal(time.Date(2025, 7, 7, 9, 0, 0, 0, time.UTC)))

	p.CronExpression = "0 25 * * *"
	_, err = svc.Create(context.Background(), p, false)
	assert.ErrorIs(t, err, storage.ErrInvalidPlan)
}

func TestNeverFiringScheduleIsRefused(t *testing.T) {
	svc, store, _ := newService()
	p := basePlan()
	p.Frequency = schedule.Custom
	p.CronExpression = "0 0 31 2 *"

	_, err := svc.Create(context.Background(), p, true)
	if !errors.Is(err, schedule.ErrNoMatch) {
		t.Fatalf("2 月 31 日永不触发, 应拒绝: %v", err)
	}
	plans, err := store.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plans)

	plan, err := svc.Create(context.Background(), basePlan(), false)
	require.NoError(t, err)
	custom := schedule.Custom
	cron := "0 0 31 2 *"
	_, err = svc.Update(context.Background(), plan.ID, Changes{Frequency: &custom, CronExpression: &cron})
	assert.ErrorIs(t, err, schedule.ErrNoMatch)

	stored, err := store.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.Weekly, stored.Frequency)
}

func TestCreateDropsCronForFixedFrequency(t *testing.T) {
	svc, _, _ := newService()
	p := basePlan()
	p.CronExpression = "0 9 * * 1"
	plan, err := svc.Create(context.Background(), p, false)
	require.NoError(t, err)
	assert.Empty(t, plan.CronExpression)
}

func TestUpdateReschedulesOnlyWhenScheduleChanges(t *testing.T) {
	svc, _, _ := newService()
	plan, err := svc.Create(context.Background(), basePlan(), false)
	require.NoError(t, err)
	original := *plan.NextExecutionAt

	amount := decimal.NewFromInt(40)
	updated, err := svc.Update(context.Background(), plan.ID, Changes{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, "40", updated.Amount.String())
	assert.True(t, updated.NextExecutionAt.Equal(original))

	daily := schedule.Daily
	updated, err = svc.Update(context.Background(), plan.ID, Changes{Frequency: &daily, Strategy: strategy.FearAndGreed{Tiers: strategy.DefaultFearGreedTiers()}})
	require.NoError(t, err)
	assert.True(t, updated.NextExecutionAt.Equal(fixedNow.Add(24*time.Hour)))
	assert.Equal(t, strategy.KindFearAndGreed, updated.Strategy.Kind())

	zero := decimal.Zero
	_, err = svc.Update(context.Background(), plan.ID, Changes{Amount: &zero})
	assert.ErrorIs(t, err, storage.ErrInvalidPlan)
}

func TestEditsWaitForRunningExecution(t *testing.T) {
	svc, _, locker := newService()
	plan, err := svc.Create(context.Background(), basePlan(), false)
	require.NoError(t, err)

	unlock, ok, err := locker.TryLock(context.Background(), plan.ID)
	require.NoError(t, err)
	require.True(t, ok)

	amount := decimal.NewFromInt(1)
	_, err = svc.Update(context.Background(), plan.ID, Changes{Amount: &amount})
	assert.True(t, errors.Is(err, ErrPlanBusy))
	assert.ErrorIs(t, svc.Delete(context.Background(), plan.ID), ErrPlanBusy)

	unlock()
	require.NoError(t, svc.Delete(context.Background(), plan.ID))
	_, err = svc.Get(context.Background(), plan.ID)
	assert.ErrorIs(t, err, storage.ErrPlanNotFound)
}

func TestSetEnabled(t *testing.T) {
	svc, store, _ := newService()
	plan, err := svc.Create(context.Background(), basePlan(), true)
	require.NoError(t, err)

	off, err := svc.SetEnabled(context.Background(), plan.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	// a week passes while disabled
	svc.now = func() time.Time { return fixedNow.Add(7 * 24 * time.Hour) }
	on, err := svc.SetEnabled(context.Background(), plan.ID, true)
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.True(t, on.NextExecutionAt.Equal(fixedNow.Add(14*24*time.Hour)))

	due, err := store.ListDuePlans(context.Background(), fixedNow.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithdrawalAddressValidation(t *testing.T) {
	svc, _, _ := newService()
	p := basePlan()
	p.Crypto = "ETH"
	p.WithdrawalEnabled = true
	p.WithdrawalAddress = "not-an-address"
	_, err := svc.Create(context.Background(), p, false)
	assert.ErrorIs(t, err, storage.ErrInvalidPlan)

	p.WithdrawalAddress = " 0x52908400098527886E0F7030069857D2E4169EE7 "
	plan, err := svc.Create(context.Background(), p, false)
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", plan.WithdrawalAddress)
}
