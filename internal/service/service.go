package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dcabot/internal/execution"
	"dcabot/internal/scheduler"
	"dcabot/internal/storage"
)

// Engine is the part of the execution coordinator the service drives.
type Engine interface {
	RunDueCycle(ctx context.Context, now time.Time) (execution.CycleReport, error)
	ResolvePending(ctx context.Context) (execution.PendingReport, error)
}

// Options select the triggers.
type Options struct {
	// Wake adds the loop that sleeps until the earliest due plan, on top of
	// the poll ticker.
	Wake bool
}

// Service orchestrates the scheduled triggers of the execution engine.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    Engine
	plans     storage.PlanStore
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	// running keeps the poll and wake triggers of this process from
	// sweeping at the same time.
	running sync.Mutex
}

// New constructs the scheduling service.
func New(sched *scheduler.Scheduler, engine Engine, plans storage.PlanStore, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		engine:    engine,
		plans:     plans,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(gctx, s.ProcessTick)
	})
	if s.opts.Wake && s.plans != nil {
		g.Go(func() error {
			return s.scheduler.RunWake(gctx, s.plans.EarliestNextExecution, s.ProcessTick)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ProcessTick settles pending orders and runs every due plan. A tick that
// arrives while another is still sweeping is skipped.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	if !s.running.TryLock() {
		s.logger.Debug().Time("tick", at).Msg("skip tick because a cycle is still running")
		return nil
	}
	defer s.running.Unlock()

	if _, err := s.engine.ResolvePending(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("resolve pending orders failed")
	}

	report, err := s.engine.RunDueCycle(ctx, s.now())
	if err != nil {
		return fmt.Errorf("run due cycle: %w", err)
	}
	for _, res := range report.Results {
		if res.Err != nil && res.Outcome == execution.OutcomeError {
			s.logger.Error().Err(res.Err).Int64("plan_id", res.PlanID).Msg("plan execution failed")
		}
	}
	return nil
}
