// Package plans holds the plan lifecycle: create, edit, enable and delete.
package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dcabot/internal/lock"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

// ErrPlanBusy is returned when a plan is executing and cannot be edited.
var ErrPlanBusy = errors.New("plan is executing, try again shortly")

// Changes lists the editable plan fields; nil fields are left alone.
type Changes struct {
	Amount            *decimal.Decimal
	Frequency         *schedule.Frequency
	CronExpression    *string
	Strategy          strategy.Strategy
	WithdrawalEnabled *bool
	WithdrawalAddress *string
}

// Service applies user actions to plans.
type Service struct {
	store     storage.PlanStore
	resolver  *schedule.Resolver
	locker    lock.Locker
	evmAssets []string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewService builds a Service. locker serialises edits against running
// executions of the same plan.
func NewService(store storage.PlanStore, resolver *schedule.Resolver, locker lock.Locker, evmAssets []string, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		locker:    locker,
		evmAssets: evmAssets,
		now:       time.Now,
		logger:    logger.With().Str("component", "plans").Logger(),
	}
}

func normalize(p *storage.Plan) {
	p.Venue = strings.TrimSpace(p.Venue)
	p.Crypto = strings.ToUpper(strings.TrimSpace(p.Crypto))
	p.Fiat = strings.ToUpper(strings.TrimSpace(p.Fiat))
	p.CronExpression = strings.TrimSpace(p.CronExpression)
	if p.Frequency != schedule.Custom {
		p.CronExpression = ""
	}
	p.WithdrawalAddress = strings.TrimSpace(p.WithdrawalAddress)
	if !p.WithdrawalEnabled {
		p.WithdrawalAddress = ""
	}
	if p.Strategy == nil {
		p.Strategy = strategy.Classic{}
	}
}

// firstRun is the next occurrence after from. A schedule that never fires
// (for example "0 0 31 2 *") is refused here so the coordinator never sees it.
func (s *Service) firstRun(p storage.Plan, from time.Time) (time.Time, error) {
	next, err := s.resolver.NextRun(p.Frequency, p.CronExpression, from)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %q: %w", p.CronExpression, err)
	}
	return next, nil
}

// Create validates and stores a new plan. The first run is one schedule
// step from now, or now when startNow is set.
func (s *Service) Create(ctx context.Context, plan storage.Plan, startNow bool) (storage.Plan, error) {
	normalize(&plan)
	plan.ID = 0
	if err := plan.Validate(s.resolver, s.evmAssets); err != nil {
		return storage.Plan{}, err
	}
	now := s.now().UTC()
	plan.CreatedAt = now
	plan.LastExecutedAt = nil
	next, err := s.firstRun(plan, now)
	if err != nil {
		return storage.Plan{}, err
	}
	if startNow {
		next = now
	}
	plan.NextExecutionAt = &next

	if err := s.store.SavePlan(ctx, &plan); err != nil {
		return storage.Plan{}, fmt.Errorf("create plan: %w", err)
	}
	s.logger.Info().Int64("plan_id", plan.ID).Str("venue", plan.Venue).Str("pair", plan.Pair()).
		Str("amount", plan.Amount.String()).Str("frequency", string(plan.Frequency)).
		Time("next_execution_at", next).Msg("plan created")
	return plan, nil
}

// Get loads one plan.
func (s *Service) Get(ctx context.Context, id int64) (storage.Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// List returns every plan.
func (s *Service) List(ctx context.Context) ([]storage.Plan, error) {
	return s.store.ListPlans(ctx)
}

func (s *Service) withLock(ctx context.Context, id int64, fn func() error) error {
	unlock, ok, err := s.locker.TryLock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock plan %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w (plan %d)", ErrPlanBusy, id)
	}
	defer unlock()
	return fn()
}

// Update applies changes. A changed schedule restarts from now.
func (s *Service) Update(ctx context.Context, id int64, changes Changes) (storage.Plan, error) {
	var updated storage.Plan
	err := s.withLock(ctx, id, func() error {
		plan, err := s.store.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		oldFreq, oldCron := plan.Frequency, plan.CronExpression

		if changes.Amount != nil {
			plan.Amount = *changes.Amount
		}
		if changes.Frequency != nil {
			plan.Frequency = *changes.Frequency
		}
		if changes.CronExpression != nil {
			plan.CronExpression = *changes.CronExpression
		}
		if changes.Strategy != nil {
			plan.Strategy = changes.Strategy
		}
		if changes.WithdrawalEnabled != nil {
			plan.WithdrawalEnabled = *changes.WithdrawalEnabled
		}
		if changes.WithdrawalAddress != nil {
			plan.WithdrawalAddress = *changes.WithdrawalAddress
		}
		normalize(&plan)
		if err := plan.Validate(s.resolver, s.evmAssets); err != nil {
			return err
		}

		if plan.Frequency != oldFreq || plan.CronExpression != oldCron {
			next, err := s.firstRun(plan, s.now().UTC())
			if err != nil {
				return err
			}
			plan.NextExecutionAt = &next
		}
		if err := s.store.SavePlan(ctx, &plan); err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		updated = plan
		return nil
	})
	if err != nil {
		return storage.Plan{}, err
	}
	s.logger.Info().Int64("plan_id", id).Msg("plan updated")
	return updated, nil
}

// SetEnabled toggles a plan. Re-enabling a plan whose next run already
// passed schedules it from now instead of buying immediately.
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) (storage.Plan, error) {
	var updated storage.Plan
	err := s.withLock(ctx, id, func() error {
		plan, err := s.store.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		plan.Enabled = enabled
		now := s.now().UTC()
		if enabled && (plan.NextExecutionAt == nil || plan.NextExecutionAt.Before(now)) {
			next, err := s.firstRun(plan, now)
			if err != nil {
				return err
			}
			plan.NextExecutionAt = &next
		}
		if err := s.store.SavePlan(ctx, &plan); err != nil {
			return fmt.Errorf("toggle plan: %w", err)
		}
		updated = plan
		return nil
	})
	if err != nil {
		return storage.Plan{}, err
	}
	s.logger.Info().Int64("plan_id", id).Bool("enabled", enabled).Msg("plan toggled")
	return updated, nil
}

// Delete removes a plan. Its transactions stay in the ledger.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.withLock(ctx, id, func() error {
		return s.store.DeletePlan(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("plan_id", id).Msg("plan deleted")
	return nil
}
