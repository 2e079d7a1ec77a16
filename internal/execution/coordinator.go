// Package execution runs due plans: lock, check balance, size the order,
// buy, record and reschedule.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dcabot/internal/alerting"
	"dcabot/internal/exchange"
	"dcabot/internal/lock"
	"dcabot/internal/logging"
	"dcabot/internal/runway"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

// fallbackReschedule is used when a stored schedule can no longer produce a
// next run.
const fallbackReschedule = 24 * time.Hour

// MarketContextProvider supplies best-effort market data for a strategy.
type MarketContextProvider interface {
	MarketContext(ctx context.Context, s strategy.Strategy, crypto, fiat string) strategy.MarketContext
}

// Venues resolves a venue name to its client.
type Venues interface {
	Get(name string) (exchange.Client, error)
}

// Deps are the collaborators of a Coordinator. Market and Notifier may be
// nil.
type Deps struct {
	Plans    storage.PlanStore
	Ledger   storage.Ledger
	Balances storage.BalanceCache
	Venues   Venues
	Locker   lock.Locker
	Resolver *schedule.Resolver
	Market   MarketContextProvider
	Notifier alerting.Notifier
}

// Options bound each venue call and the worker pool.
type Options struct {
	BalanceTimeout          time.Duration
	OrderTimeout            time.Duration
	WithdrawTimeout         time.Duration
	MarketTimeout           time.Duration
	NotifyTimeout           time.Duration
	// PersistTimeout bounds recording and rescheduling once an order has
	// been placed; those writes no longer follow the caller's cancellation.
	PersistTimeout          time.Duration
	Workers                 int
	LowBalanceThresholdDays decimal.Decimal
	// DefaultPrecision rounds order amounts on venues without Rules.
	DefaultPrecision int32
}

func (o Options) withDefaults() Options {
	if o.BalanceTimeout <= 0 {
		o.BalanceTimeout = 10 * time.Second
	}
	if o.OrderTimeout <= 0 {
		o.OrderTimeout = 30 * time.Second
	}
	if o.WithdrawTimeout <= 0 {
		o.WithdrawTimeout = 30 * time.Second
	}
	if o.MarketTimeout <= 0 {
		o.MarketTimeout = 10 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 15 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Coordinator executes plans exactly once per due cycle.
type Coordinator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New builds a Coordinator.
func New(deps Deps, opts Options, logger zerolog.Logger) *Coordinator {
	if deps.Locker == nil {
		deps.Locker = lock.NewMemory()
	}
	if deps.Notifier == nil {
		deps.Notifier = alerting.Nop{}
	}
	if deps.Resolver == nil {
		deps.Resolver = schedule.NewResolver(schedule.Options{})
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "coordinator").Logger(),
	}
}

// RunDueCycle executes every enabled plan due at now. The error is non-nil
// only when the due list itself cannot be loaded; per-plan failures are in
// the report.
func (c *Coordinator) RunDueCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	report := CycleReport{StartedAt: now}
	due, err := c.deps.Plans.ListDuePlans(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list due plans: %w", err)
	}
	if len(due) == 0 {
		c.logger.Debug().Time("now", now).Msg("no plans due")
		return report, nil
	}

	ids := make([]int64, 0, len(due))
	for _, p := range due {
		ids = append(ids, p.ID)
	}
	report.Results = c.runPlans(ctx, now, ids, true)
	c.logger.Info().Time("now", now).Int("plans", len(ids)).Str("outcomes", report.Summary()).Msg("due cycle finished")
	return report, nil
}

// RunNow executes the given plans, or every enabled plan when none are
// given, without checking whether they are due. Locking still applies.
func (c *Coordinator) RunNow(ctx context.Context, now time.Time, planIDs ...int64) (CycleReport, error) {
	report := CycleReport{StartedAt: now}
	if len(planIDs) == 0 {
		plans, err := c.deps.Plans.ListPlans(ctx)
		if err != nil {
			return report, fmt.Errorf("list plans: %w", err)
		}
		for _, p := range plans {
			if p.Enabled {
				planIDs = append(planIDs, p.ID)
			}
		}
	}
	report.Results = c.runPlans(ctx, now, planIDs, false)
	c.logger.Info().Time("now", now).Int("plans", len(planIDs)).Str("outcomes", report.Summary()).Msg("forced run finished")
	return report, nil
}

func (c *Coordinator) runPlans(ctx context.Context, now time.Time, ids []int64, requireDue bool) []PlanResult {
	results := make([]PlanResult, len(ids))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = c.runPlan(ctx, now, id, requireDue)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) runPlan(ctx context.Context, now time.Time, planID int64, requireDue bool) (result PlanResult) {
	result.PlanID = planID
	logger := c.logger.With().Int64("plan_id", planID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("plan execution panicked")
			result.Outcome = OutcomeError
			result.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	unlock, acquired, err := c.deps.Locker.TryLock(ctx, planID)
	if err != nil {
		logger.Error().Err(err).Msg("acquire plan lock failed")
		return PlanResult{PlanID: planID, Outcome: OutcomeError, Err: err}
	}
	if !acquired {
		logger.Debug().Msg("plan locked by another run, skipping")
		return PlanResult{PlanID: planID, Outcome: OutcomeLocked}
	}
	defer unlock()

	plan, err := c.deps.Plans.GetPlan(ctx, planID)
	if err != nil {
		logger.Error().Err(err).Msg("load plan failed")
		return PlanResult{PlanID: planID, Outcome: OutcomeError, Err: err}
	}
	if !plan.Enabled {
		return PlanResult{PlanID: planID, Outcome: OutcomeDisabled}
	}
	if requireDue && !plan.DueAt(now) {
		logger.Debug().Msg("plan already advanced by a concurrent run")
		return PlanResult{PlanID: planID, Outcome: OutcomeNotDue, NextExecutionAt: plan.NextExecutionAt}
	}

	return c.execute(ctx, now, plan)
}

// execute runs one locked plan.
func (c *Coordinator) execute(ctx context.Context, now time.Time, plan storage.Plan) PlanResult {
	logger := logging.ForPlan(c.logger, plan.ID, plan.Venue, plan.Pair())
	result := PlanResult{PlanID: plan.ID}

	client, err := c.deps.Venues.Get(plan.Venue)
	if err != nil {
		logger.Error().Err(err).Msg("venue not available")
		result.Outcome = OutcomeTransient
		result.Err = &TransientError{Op: "resolve venue", Err: err}
		return result
	}
	pair := exchange.NewPair(plan.Crypto, plan.Fiat)

	balance, err := c.balance(ctx, logger, client, plan)
	if err != nil {
		logger.Warn().Err(err).Msg("balance unavailable, retrying next cycle")
		result.Outcome = OutcomeTransient
		result.Err = err
		return result
	}

	eval := c.evaluate(ctx, plan)
	result.Multiplier = eval.Multiplier.String()
	rules := c.rules(client, pair)
	amount := plan.Amount.Mul(eval.Multiplier).Round(rules.AmountPrecision)
	logger = logger.With().Str("amount", amount.String()).Str("multiplier", eval.Multiplier.String()).Logger()
	logger.Debug().Str("reason", eval.Reason).Bool("degraded", eval.Degraded).Msg("order sized")

	base := storage.Transaction{
		PlanID:     plan.ID,
		Venue:      plan.Venue,
		Crypto:     plan.Crypto,
		Fiat:       plan.Fiat,
		FiatAmount: amount,
		FeeAsset:   plan.Fiat,
		ExecutedAt: now.UTC(),
	}

	switch {
	case amount.GreaterThan(balance):
		reason := fmt.Sprintf("insufficient balance: need %s %s, have %s", amount, plan.Fiat, balance)
		result.Outcome = OutcomeInsufficientBalance
		c.fail(ctx, logger, now, &plan, base, reason, &result)
		return result
	case !amount.IsPositive() || (rules.MinOrder.IsPositive() && amount.LessThan(rules.MinOrder)):
		reason := fmt.Sprintf("amount %s %s below minimum order %s", amount, plan.Fiat, rules.MinOrder)
		result.Outcome = OutcomeBelowMinimum
		c.fail(ctx, logger, now, &plan, base, reason, &result)
		return result
	}

	orderCtx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	order, err := client.PlaceOrder(orderCtx, exchange.OrderRequest{Pair: pair, FiatAmount: amount})
	cancel()
	if err != nil {
		var rejected *exchange.RejectedError
		if errors.As(err, &rejected) {
			result.Outcome = OutcomeRejected
			c.fail(ctx, logger, now, &plan, base, rejected.Reason, &result)
			return result
		}
		logger.Warn().Err(err).Msg("place order failed, retrying next cycle")
		result.Outcome = OutcomeTransient
		result.Err = &TransientError{Op: "place order", Err: err}
		return result
	}
	if order.Status == exchange.OrderRejected {
		reason := order.Message
		if reason == "" {
			reason = "order rejected by venue"
		}
		base.OrderID = order.OrderID
		result.Outcome = OutcomeRejected
		c.fail(ctx, logger, now, &plan, base, reason, &result)
		return result
	}

	// The venue holds the order now. Record it and move the schedule even if
	// the caller is shutting down, or the next start buys again.
	detached := context.WithoutCancel(ctx)
	persistCtx, cancelPersist := context.WithTimeout(detached, c.opts.PersistTimeout)
	defer cancelPersist()

	tx := fromOrder(base, order)
	result.Outcome = outcomeFor(tx.Status)
	stored, err := c.deps.Ledger.Append(persistCtx, tx)
	if err != nil {
		// the order went through; advancing avoids buying twice
		logger.Error().Err(err).Str("order_id", order.OrderID).Msg("record purchase failed")
		result.Err = fmt.Errorf("record purchase: %w", err)
	} else {
		tx = stored
		result.TransactionID = stored.ID
	}
	logger.Info().Str("order_id", tx.OrderID).Str("status", string(tx.Status)).
		Str("crypto_amount", tx.CryptoAmount.String()).Str("price", tx.Price.String()).
		Msg("purchase recorded")

	c.advance(persistCtx, logger, now, &plan, &result)

	if tx.Status == storage.StatusPending {
		c.notify(detached, eventFor(alerting.EventPurchasePending, plan, tx, eval.Multiplier))
		return result
	}
	c.notify(detached, eventFor(alerting.EventPurchaseCompleted, plan, tx, eval.Multiplier))
	c.guard(logger, "withdraw", func() { c.withdraw(detached, logger, client, plan, tx) })
	c.guard(logger, "runway check", func() { c.checkRunway(detached, logger, plan, balance.Sub(tx.FiatAmount)) })
	return result
}

// guard runs a side effect that follows a recorded purchase. A panic there
// is logged and must not undo the bookkeeping already done.
func (c *Coordinator) guard(logger zerolog.Logger, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("step", step).Msg("post-purchase step panicked")
		}
	}()
	fn()
}

// balance fetches the fiat balance, caching it on success and falling back
// to the last snapshot on failure.
func (c *Coordinator) balance(ctx context.Context, logger zerolog.Logger, client exchange.Client, plan storage.Plan) (decimal.Decimal, error) {
	balCtx, cancel := context.WithTimeout(ctx, c.opts.BalanceTimeout)
	amount, err := client.GetBalance(balCtx, plan.Fiat)
	cancel()
	if err == nil {
		if c.deps.Balances != nil {
			snap := storage.BalanceSnapshot{Venue: plan.Venue, Currency: plan.Fiat, Amount: amount, ObservedAt: time.Now().UTC()}
			if putErr := c.deps.Balances.PutSnapshot(ctx, snap); putErr != nil {
				logger.Warn().Err(putErr).Msg("store balance snapshot failed")
			}
		}
		return amount, nil
	}

	if c.deps.Balances != nil {
		snap, ok, snapErr := c.deps.Balances.GetSnapshot(ctx, plan.Venue, plan.Fiat)
		if snapErr == nil && ok {
			logger.Warn().Err(err).Time("observed_at", snap.ObservedAt).Msg("using cached balance")
			return snap.Amount, nil
		}
	}
	return decimal.Zero, &TransientError{Op: "get balance", Err: err}
}

func (c *Coordinator) evaluate(ctx context.Context, plan storage.Plan) strategy.Result {
	var mc strategy.MarketContext
	if c.deps.Market != nil {
		marketCtx, cancel := context.WithTimeout(ctx, c.opts.MarketTimeout)
		mc = c.deps.Market.MarketContext(marketCtx, plan.Strategy, plan.Crypto, plan.Fiat)
		cancel()
	}
	return strategy.Evaluate(plan.Strategy, mc)
}

func (c *Coordinator) rules(client exchange.Client, pair exchange.Pair) exchange.Rules {
	if rp, ok := client.(exchange.RulesProvider); ok {
		return rp.Rules(pair)
	}
	return exchange.Rules{AmountPrecision: c.opts.DefaultPrecision}
}

// fail records a FAILED row, advances the schedule and notifies.
func (c *Coordinator) fail(ctx context.Context, logger zerolog.Logger, now time.Time, plan *storage.Plan, tx storage.Transaction, reason string, result *PlanResult) {
	tx.Status = storage.StatusFailed
	tx.ErrorMessage = reason
	stored, err := c.deps.Ledger.Append(ctx, tx)
	if err != nil {
		logger.Error().Err(err).Msg("record failed purchase failed")
		result.Err = fmt.Errorf("record failure: %w", err)
	} else {
		result.TransactionID = stored.ID
	}
	logger.Warn().Str("outcome", string(result.Outcome)).Str("reason", reason).Msg("purchase failed")
	c.advance(ctx, logger, now, plan, result)
	c.notify(ctx, alerting.Event{
		Kind:       alerting.EventPurchaseFailed,
		PlanID:     plan.ID,
		Venue:      plan.Venue,
		Crypto:     plan.Crypto,
		Fiat:       plan.Fiat,
		FiatAmount: tx.FiatAmount,
		Reason:     reason,
		At:         now,
	})
}

func (c *Coordinator) advance(ctx context.Context, logger zerolog.Logger, now time.Time, plan *storage.Plan, result *PlanResult) {
	next, err := c.deps.Resolver.NextRun(plan.Frequency, plan.CronExpression, now)
	if err != nil {
		next = now.Add(fallbackReschedule)
		logger.Error().Err(err).Time("fallback", next).Msg("schedule unusable, retrying in a day")
	}
	executed := now
	plan.LastExecutedAt = &executed
	plan.NextExecutionAt = &next
	if err := c.deps.Plans.SavePlan(ctx, plan); err != nil {
		logger.Error().Err(err).Msg("save rescheduled plan failed")
		if result.Err == nil {
			result.Err = fmt.Errorf("reschedule: %w", err)
		}
		return
	}
	result.NextExecutionAt = &next
	logger.Debug().Time("next_execution_at", next).Msg("plan rescheduled")
}

func (c *Coordinator) withdraw(ctx context.Context, logger zerolog.Logger, client exchange.Client, plan storage.Plan, tx storage.Transaction) {
	if !plan.WithdrawalEnabled || !tx.CryptoAmount.IsPositive() {
		return
	}
	if tx.Status != storage.StatusCompleted && tx.Status != storage.StatusPartial {
		return
	}
	wCtx, cancel := context.WithTimeout(ctx, c.opts.WithdrawTimeout)
	res, err := client.Withdraw(wCtx, plan.Crypto, tx.CryptoAmount, plan.WithdrawalAddress)
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("amount", tx.CryptoAmount.String()).Msg("withdrawal failed")
		event := eventFor(alerting.EventWithdrawalFailed, plan, tx, decimal.Zero)
		event.Reason = err.Error()
		c.notify(ctx, event)
		return
	}
	logger.Info().Str("withdrawal_id", res.ID).Str("amount", res.Amount.String()).Msg("withdrawal submitted")
}

func (c *Coordinator) checkRunway(ctx context.Context, logger zerolog.Logger, plan storage.Plan, remaining decimal.Decimal) {
	interval, err := c.deps.Resolver.EstimateIntervalMinutes(plan.Frequency, plan.CronExpression)
	if err != nil {
		return
	}
	proj := runway.Project(&remaining, plan.Amount, interval, c.opts.LowBalanceThresholdDays)
	if !proj.Known || !proj.LowBalance {
		return
	}
	logger.Warn().Int64("remaining_executions", proj.RemainingExecutions).Str("remaining_days", proj.RemainingDays.StringFixed(1)).Msg("low balance")
	days := proj.RemainingDays
	c.notify(ctx, alerting.Event{
		Kind:          alerting.EventLowBalance,
		PlanID:        plan.ID,
		Venue:         plan.Venue,
		Crypto:        plan.Crypto,
		Fiat:          plan.Fiat,
		Balance:       &remaining,
		RemainingDays: &days,
		At:            time.Now().UTC(),
	})
}

func (c *Coordinator) notify(ctx context.Context, event alerting.Event) {
	notifyCtx, cancel := context.WithTimeout(ctx, c.opts.NotifyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("kind", string(event.Kind)).Msg("notifier panicked")
		}
	}()
	if err := c.deps.Notifier.Notify(notifyCtx, event); err != nil {
		c.logger.Debug().Err(err).Str("kind", string(event.Kind)).Msg("notification failed")
	}
}

func fromOrder(base storage.Transaction, order exchange.OrderResult) storage.Transaction {
	tx := base
	tx.OrderID = order.OrderID
	tx.Status = statusFor(order.Status)
	if order.FiatSpent.IsPositive() {
		tx.FiatAmount = order.FiatSpent
	}
	tx.CryptoAmount = order.CryptoReceived
	tx.Price = order.Price
	tx.Fee = order.Fee
	if order.FeeAsset != "" {
		tx.FeeAsset = order.FeeAsset
	}
	if !order.ExecutedAt.IsZero() {
		tx.ExecutedAt = order.ExecutedAt.UTC()
	}
	return tx
}

func statusFor(s exchange.OrderStatus) storage.Status {
	switch s {
	case exchange.OrderFilled:
		return storage.StatusCompleted
	case exchange.OrderPartiallyFilled:
		return storage.StatusPartial
	case exchange.OrderRejected:
		return storage.StatusFailed
	default:
		return storage.StatusPending
	}
}

func outcomeFor(s storage.Status) Outcome {
	switch s {
	case storage.StatusCompleted:
		return OutcomeCompleted
	case storage.StatusPartial:
		return OutcomePartial
	default:
		return OutcomePending
	}
}

func eventFor(kind alerting.EventKind, plan storage.Plan, tx storage.Transaction, multiplier decimal.Decimal) alerting.Event {
	return alerting.Event{
		Kind:         kind,
		PlanID:       plan.ID,
		Venue:        plan.Venue,
		Crypto:       plan.Crypto,
		Fiat:         plan.Fiat,
		FiatAmount:   tx.FiatAmount,
		CryptoAmount: tx.CryptoAmount,
		Price:        tx.Price,
		Multiplier:   multiplier,
		At:           tx.ExecutedAt,
	}
}
