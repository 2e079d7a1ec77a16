package execution

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

	"dcabot/internal/alerting"
	"dcabot/internal/exchange"
	"dcabot/internal/lock"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scripted wraps a paper venue and lets a test break individual calls.
type scripted struct {
	*exchange.Paper
	balanceErr  error
	placeErr    error
	withdrawErr error
	placeDelay  time.Duration
	panicOnBuy  bool
	// afterBuy runs once the paper order has been filled.
	afterBuy        func()
	panicOnWithdraw bool
}

func (s *scripted) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if s.balanceErr != nil {
		return decimal.Zero, s.balanceErr
	}
	return s.Paper.GetBalance(ctx, currency)
}

func (s *scripted) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if s.panicOnBuy {
		panic("boom")
	}
	if s.placeDelay > 0 {
		time.Sleep(s.placeDelay)
	}
	if s.placeErr != nil {
		return exchange.OrderResult{}, s.placeErr
	}
	res, err := s.Paper.PlaceOrder(ctx, req)
	if s.afterBuy != nil {
		s.afterBuy()
	}
	return res, err
}

func (s *scripted) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (exchange.WithdrawResult, error) {
	if s.panicOnWithdraw {
		panic("withdraw adapter crashed")
	}
	if s.withdrawErr != nil {
		return exchange.WithdrawResult{}, s.withdrawErr
	}
	return s.Paper.Withdraw(ctx, asset, amount, address)
}

type recorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recorder) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []alerting.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, alerting.Event) error {
	panic("notifier crashed")
}

// ctxStore fails writes once their context is done, like a database driver.
type ctxStore struct {
	*storage.Memory
}

func (s ctxStore) Append(ctx context.Context, tx storage.Transaction) (storage.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return storage.Transaction{}, err
	}
	return s.Memory.Append(ctx, tx)
}

func (s ctxStore) SavePlan(ctx context.Context, p *storage.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.SavePlan(ctx, p)
}

type fixedMarket strategy.MarketContext

func (m fixedMarket) MarketContext(context.Context, strategy.Strategy, string, string) strategy.MarketContext {
	return strategy.MarketContext(m)
}

type harness struct {
	store    *storage.Memory
	venue    *scripted
	clock    *clock
	notes    *recorder
	locker   *lock.Memory
	resolver *schedule.Resolver
	market   MarketContextProvider
}

func newHarness(balance int64, opts exchange.PaperOptions) *harness {
	clk := &clock{now: testNow}
	opts.Name = "paper"
	opts.Balances = map[string]decimal.Decimal{"EUR": decimal.NewFromInt(balance)}
	opts.Prices = exchange.StaticPrices{"BTC/EUR": decimal.NewFromInt(50000)}
	opts.Now = clk.Now
	return &harness{
		store:    storage.NewMemory(),
		venue:    &scripted{Paper: exchange.NewPaper(opts)},
		clock:    clk,
		notes:    &recorder{},
		locker:   lock.NewMemory(),
		resolver: schedule.NewResolver(schedule.Options{}),
	}
}

func (h *harness) coordinator() *Coordinator {
	return New(Deps{
		Plans:    h.store,
		Ledger:   h.store,
		Balances: h.store,
		Venues:   exchange.NewRegistry(h.venue),
		Locker:   h.locker,
		Resolver: h.resolver,
		Market:   h.market,
		Notifier: h.notes,
	}, Options{Workers: 4, LowBalanceThresholdDays: decimal.NewFromInt(7)}, zerolog.Nop())
}

func (h *harness) addPlan(t *testing.T, mutate func(p *storage.Plan)) storage.Plan {
	t.Helper()
	p := storage.Plan{
		Venue:     "paper",
		Crypto:    "BTC",
		Fiat:      "EUR",
		Amount:    decimal.NewFromInt(50),
		Frequency: schedule.Daily,
		Strategy:  strategy.Classic{},
		Enabled:   true,
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(t, h.store.SavePlan(context.Background(), &p))
	return p
}

func (h *harness) transactions(t *testing.T) []storage.Transaction {
	t.Helper()
	txs, err := h.store.Query(context.Background(), storage.TxFilter{})
	require.NoError(t, err)
	return txs
}

func (h *harness) plan(t *testing.T, id int64) storage.Plan {
	t.Helper()
	p, err := h.store.GetPlan(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestDailyClassicEndToEnd(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	plan := h.addPlan(t, nil)
	c := h.coordinator()

	report, err := c.RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, "1", res.Multiplier)

	txs := h.transactions(t)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, storage.StatusCompleted, tx.Status)
	assert.Equal(t, plan.ID, tx.PlanID)
	assert.Equal(t, "50", tx.FiatAmount.String())
	assert.Equal(t, "0.001", tx.CryptoAmount.String())
	assert.NotEmpty(t, tx.OrderID)
	assert.Equal(t, res.TransactionID, tx.ID)

	stored := h.plan(t, plan.ID)
	require.NotNil(t, stored.NextExecutionAt)
	require.NotNil(t, stored.LastExecutedAt)
	assert.True(t, stored.LastExecutedAt.Equal(testNow))
	assert.True(t, stored.NextExecutionAt.Equal(testNow.Add(1440*time.Minute)), "next run %s", stored.NextExecutionAt)

	// the same trigger again finds nothing due
	report, err = c.RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Len(t, h.transactions(t), 1)

	// 250 EUR left at 50 per day is five days of runway
	assert.Equal(t, []alerting.EventKind{alerting.EventPurchaseCompleted, alerting.EventLowBalance}, h.notes.kinds())

	snap, ok, err := h.store.GetSnapshot(context.Background(), "paper", "EUR")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "300", snap.Amount.String())
}

func TestConcurrentCyclesAppendOnce(t *testing.T) {
	h := newHarness(1000, exchange.PaperOptions{})
	h.venue.placeDelay = 50 * time.Millisecond
	h.addPlan(t, nil)

	first, second := h.coordinator(), h.coordinator()
	var wg sync.WaitGroup
	reports := make([]CycleReport, 2)
	for i, c := range []*Coordinator{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.RunDueCycle(context.Background(), testNow)
			if err != nil {
				t.Errorf("并发执行失败: %v", err)
			}
			reports[i] = r
		}()
	}
	wg.Wait()

	require.Len(t, h.transactions(t), 1)
	completed := reports[0].Count(OutcomeCompleted) + reports[1].Count(OutcomeCompleted)
	assert.Equal(t, 1, completed)
}

func TestLockedPlanIsSkipped(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	plan := h.addPlan(t, nil)

	unlock, ok, err := h.locker.TryLock(context.Background(), plan.ID)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeLocked, report.Results[0].Outcome)
	assert.Empty(t, h.transactions(t))
	assert.Nil(t, h.plan(t, plan.ID).NextExecutionAt)

	unlock()
	report, err = h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeCompleted))
}

func TestInsufficientBalanceRecordsFailureAndAdvances(t *testing.T) {
	h := newHarness(10, exchange.PaperOptions{})
	plan := h.addPlan(t, nil)

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientBalance, report.Results[0].Outcome)

	txs := h.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.StatusFailed, txs[0].Status)
	assert.Contains(t, txs[0].ErrorMessage, "insufficient balance")
	assert.Empty(t, txs[0].OrderID)

	next := h.plan(t, plan.ID).NextExecutionAt
	require.NotNil(t, next)
	assert.True(t, next.Equal(testNow.Add(24*time.Hour)))
	assert.Contains(t, h.notes.kinds(), alerting.EventPurchaseFailed)
}

func TestBelowMinimumRecordsFailure(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{MinOrder: decimal.NewFromInt(100)})
	h.addPlan(t, nil)

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBelowMinimum, report.Results[0].Outcome)
	txs := h.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.StatusFailed, txs[0].Status)
	assert.Contains(t, txs[0].ErrorMessage, "below minimum")
}

func TestTransientFailuresLeaveNoTrace(t *testing.T) {
	cases := map[string]func(h *harness){
		"balance down without snapshot": func(h *harness) { h.venue.balanceErr = errors.New("connection reset") },
		"order timeout":                 func(h *harness) { h.venue.placeErr = context.DeadlineExceeded },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(300, exchange.PaperOptions{})
			plan := h.addPlan(t, nil)
			breakIt(h)

			report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
			require.NoError(t, err)
			res := report.Results[0]
			assert.Equal(t, OutcomeTransient, res.Outcome)
			assert.True(t, IsTransient(res.Err), "err = %v", res.Err)
			assert.Empty(t, h.transactions(t))
			assert.Nil(t, h.plan(t, plan.ID).NextExecutionAt, "schedule must not move")
		})
	}
}

func TestBalanceFallsBackToSnapshot(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	h.addPlan(t, nil)
	require.NoError(t, h.store.PutSnapshot(context.Background(), storage.BalanceSnapshot{
		Venue: "paper", Currency: "EUR", Amount: decimal.NewFromInt(200), ObservedAt: testNow.Add(-time.Hour),
	}))
	h.venue.balanceErr = errors.New("timeout")

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Results[0].Outcome)
}

func TestRejectedOrderRecordsVenueMessage(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	plan := h.addPlan(t, nil)
	h.venue.placeErr = exchange.Rejected("market closed")

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, report.Results[0].Outcome)

	txs := h.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.StatusFailed, txs[0].Status)
	assert.Equal(t, "market closed", txs[0].ErrorMessage)
	assert.NotNil(t, h.plan(t, plan.ID).NextExecutionAt)
}

func TestAthStrategyScalesOrder(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	price, ath := decimal.NewFromInt(70), decimal.NewFromInt(100)
	h.market = fixedMarket{Price: &price, ATH: &ath}
	h.addPlan(t, func(p *storage.Plan) { p.Strategy = strategy.AthBased{Tiers: strategy.DefaultAthTiers()} })

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Results[0].Outcome)
	assert.Equal(t, "1.5", report.Results[0].Multiplier)

	txs := h.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, "75", txs[0].FiatAmount.String())
}

func TestWithdrawalFailureKeepsPurchase(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	h.venue.withdrawErr = errors.New("address not whitelisted")
	h.addPlan(t, func(p *storage.Plan) {
		p.WithdrawalEnabled = true
		p.WithdrawalAddress = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	})

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Results[0].Outcome)
	require.Len(t, h.transactions(t), 1)
	assert.Contains(t, h.notes.kinds(), alerting.EventWithdrawalFailed)
}

func TestWithdrawalMovesCrypto(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	h.addPlan(t, func(p *storage.Plan) {
		p.WithdrawalEnabled = true
		p.WithdrawalAddress = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	})

	_, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	btc, err := h.venue.Paper.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, btc.IsZero(), "bought BTC should have left the venue, got %s", btc)
}

func TestPendingOrdersSettleLater(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{SettleDelay: time.Hour})
	h.addPlan(t, nil)
	c := h.coordinator()

	report, err := c.RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, report.Results[0].Outcome)
	txs := h.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.StatusPending, txs[0].Status)

	pending, err := c.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Checked)
	assert.Equal(t, 0, pending.Settled)

	h.clock.Advance(2 * time.Hour)
	pending, err = c.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Settled)

	txs = h.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.StatusCompleted, txs[0].Status)
	assert.Equal(t, "0.001", txs[0].CryptoAmount.String())
	assert.True(t, txs[0].ExecutedAt.Equal(testNow))
}

func TestRunNowIgnoresSchedule(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	future := testNow.Add(48 * time.Hour)
	plan := h.addPlan(t, func(p *storage.Plan) { p.NextExecutionAt = &future })
	off := h.addPlan(t, func(p *storage.Plan) { p.Enabled = false })
	c := h.coordinator()

	report, err := c.RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, report.Results)

	report, err = c.RunNow(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, plan.ID, report.Results[0].PlanID)
	assert.Equal(t, OutcomeCompleted, report.Results[0].Outcome)

	report, err = c.RunNow(context.Background(), testNow, off.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, report.Results[0].Outcome)
}

func TestPanicIsContainedPerPlan(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	plan := h.addPlan(t, nil)
	h.venue.panicOnBuy = true

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, report.Results[0].Outcome)
	require.Error(t, report.Results[0].Err)

	unlock, ok, err := h.locker.TryLock(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after a panic")
	unlock()
}

func TestUnknownVenueIsTransient(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	h.addPlan(t, func(p *storage.Plan) { p.Venue = "kraken" })

	report, err := h.coordinator().RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, exchange.ErrUnknownVenue)
}

func TestCycleReportSummary(t *testing.T) {
	r := CycleReport{Results: []PlanResult{{Outcome: OutcomeLocked}, {Outcome: OutcomeCompleted}, {Outcome: OutcomeLocked}}}
	assert.Equal(t, "completed=1 locked=2", r.Summary())
	assert.Equal(t, "no plans", CycleReport{}.Summary())
	assert.True(t, OutcomeRejected.Recorded())
	assert.False(t, OutcomeTransient.Recorded())
}

func TestShutdownAfterFillStillRecordsAndAdvances(t *testing.T) {
	h := newHarness(300, exchange.PaperOptions{})
	plan := h.addPlan(t, nil)
	store := ctxStore{Memory: h.store}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.venue.afterBuy = cancel

	c := New(Deps{
		Plans:    store,
		Ledger:   store,
		Balances: h.store,
		Venues:   exchange.NewRegistry(h.venue),
		Locker:   h.locker,
		Resolver: h.resolver,
		Notifier: h.notes,
	}, Options{Workers: 1}, zerolog.Nop())

	report, err := c.RunDueCycle(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeCompleted, report.Results[0].Outcome)
	assert.NoError(t, report.Results[0].Err)

	if n := len(h.transactions(t)); n != 1 {
		t.Fatalf("取消后应仍记录 1 笔交易, got %d", n)
	}
	got := h.plan(t, plan.ID)
	require.NotNil(t, got.NextExecutionAt)
	assert.True(t, got.NextExecutionAt.After(testNow), "plan must not stay due after a fill")

	report, err = c.RunDueCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestPostPurchasePanicsDoNotBlockReschedule(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
	}{
		{"withdraw", func(h *harness) { h.venue.panicOnWithdraw = true }},
		{"notifier", func(h *harness) {}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(300, exchange.PaperOptions{})
			plan := h.addPlan(t, func(p *storage.Plan) {
				p.WithdrawalEnabled = true
				p.WithdrawalAddress = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
			})
			tc.setup(h)

			var notifier alerting.Notifier = h.notes
			if tc.name == "notifier" {
				notifier = panickingNotifier{}
			}
			c := New(Deps{
				Plans:    h.store,
				Ledger:   h.store,
				Balances: h.store,
				Venues:   exchange.NewRegistry(h.venue),
				Locker:   h.locker,
				Resolver: h.resolver,
				Notifier: notifier,
			}, Options{Workers: 1}, zerolog.Nop())

			report, err := c.RunDueCycle(context.Background(), testNow)
			require.NoError(t, err)
			assert.Equal(t, OutcomeCompleted, report.Results[0].Outcome)
			require.Len(t, h.transactions(t), 1)

			got := h.plan(t, plan.ID)
			require.NotNil(t, got.NextExecutionAt)
			assert.True(t, got.NextExecutionAt.After(testNow))

			report, err = c.RunDueCycle(context.Background(), testNow.Add(5*time.Second))
			require.NoError(t, err)
			assert.Empty(t, report.Results, "plan must not buy again")
			assert.Len(t, h.transactions(t), 1)
		})
	}
}
