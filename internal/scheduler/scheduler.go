package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval and on every wake-up.
type TickFunc func(ctx context.Context, at time.Time) error

// NextDueFunc reports the earliest upcoming plan run. nil means nothing is
// scheduled; a zero time means something is due now.
type NextDueFunc func(ctx context.Context) (*time.Time, error)

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// MinWakeDelay stops the wake loop from spinning on a plan that stays
	// due, e.g. after a transient venue failure.
	MinWakeDelay time.Duration
}

// Scheduler drives the poll ticker and the wake-at-next-due loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.MinWakeDelay <= 0 {
		opts.MinWakeDelay = 5 * time.Second
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) startupDelay(ctx context.Context) error {
	if s.opts.StartupDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.StartupDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := s.startupDelay(ctx); err != nil {
		return err
	}

	next := s.nextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now())
			delay = next.Sub(s.now())
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		at := s.bucketStart(next)
		s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

// RunWake blocks, sleeping until the earliest due plan and then invoking
// tick. The sleep is capped at one poll interval so plans created by other
// processes are noticed.
func (s *Scheduler) RunWake(ctx context.Context, nextDue NextDueFunc, tick TickFunc) error {
	if err := s.startupDelay(ctx); err != nil {
		return err
	}
	for {
		due, err := nextDue(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("lookup of next due plan failed")
			due = nil
		}
		delay := s.wakeDelay(s.now(), due)
		s.logger.Debug().Dur("sleep", delay).Msg("wake loop sleeping")
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		if due == nil {
			continue
		}
		at := s.now()
		if due.After(at) {
			continue
		}
		s.logger.Debug().Time("due", *due).Msg("waking for due plan")
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Msg("wake execution failed")
		}
	}
}

// wakeDelay clamps the time until due to [MinWakeDelay, Interval].
func (s *Scheduler) wakeDelay(now time.Time, due *time.Time) time.Duration {
	if due == nil {
		return s.opts.Interval
	}
	delay := due.Sub(now)
	if delay < s.opts.MinWakeDelay {
		delay = s.opts.MinWakeDelay
	}
	if delay > s.opts.Interval {
		delay = s.opts.Interval
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
