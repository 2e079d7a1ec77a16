package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2025, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 不正确: %s", got)
	}
	onBoundary := time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(time.Minute)) {
		t.Fatalf("边界时刻应顺延一个周期: %s", got)
	}

	unaligned := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got := unaligned.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐模式应直接加周期: %s", got)
	}
}

func TestWakeDelayClamp(t *testing.T) {
	s := New(Options{Interval: time.Minute, MinWakeDelay: 5 * time.Second}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	zero := time.Time{}

	cases := []struct {
		name string
		due  *time.Time
		want time.Duration
	}{
		{"nothing scheduled", nil, time.Minute},
		{"overdue", at(-time.Hour), 5 * time.Second},
		{"unscheduled plan", &zero, 5 * time.Second},
		{"soon", at(20 * time.Second), 20 * time.Second},
		{"far away", at(24 * time.Hour), time.Minute},
	}
	for _, tc := range cases {
		if got := s.wakeDelay(now, tc.due); got != tc.want {
			t.Fatalf("%s: wakeDelay = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) == 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run 应返回 context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}
	if ticks.Load() < 3 {
		t.Fatalf("期望至少 3 次 tick, got %d", ticks.Load())
	}
}

func TestRunWakeFiresForDuePlan(t *testing.T) {
	s := New(Options{Interval: time.Second, MinWakeDelay: 5 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	due := time.Now().UTC().Add(20 * time.Millisecond)
	fired := make(chan time.Time, 1)
	go func() {
		_ = s.RunWake(ctx,
			func(context.Context) (*time.Time, error) { return &due, nil },
			func(_ context.Context, at time.Time) error {
				select {
				case fired <- at:
				default:
				}
				return nil
			})
	}()

	select {
	case at := <-fired:
		if at.Before(due) {
			t.Fatalf("唤醒时间 %s 早于计划时间 %s", at, due)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake loop 未触发")
	}
}

func TestRunStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Second, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, func(context.Context, time.Time) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
