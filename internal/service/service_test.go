package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dcabot/internal/execution"
	"dcabot/internal/scheduler"
	"dcabot/internal/storage"
)

type fakeEngine struct {
	cycles  atomic.Int32
	pending atomic.Int32
	block   chan struct{}
	err     error
}

func (f *fakeEngine) RunDueCycle(ctx context.Context, now time.Time) (execution.CycleReport, error) {
	f.cycles.Add(1)
	if f.block != nil {
		<-f.block
	}
	return execution.CycleReport{StartedAt: now}, f.err
}

func (f *fakeEngine) ResolvePending(context.Context) (execution.PendingReport, error) {
	f.pending.Add(1)
	return execution.PendingReport{}, errors.New("venue down")
}

func TestProcessTickRunsPendingThenCycle(t *testing.T) {
	engine := &fakeEngine{}
	svc := New(nil, engine, nil, Options{}, zerolog.Nop())

	if err := svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick 返回错误: %v", err)
	}
	if engine.pending.Load() != 1 || engine.cycles.Load() != 1 {
		t.Fatalf("期望各调用一次, pending=%d cycles=%d", engine.pending.Load(), engine.cycles.Load())
	}

	engine.err = errors.New("db down")
	if err := svc.ProcessTick(context.Background(), time.Now()); err == nil {
		t.Fatal("列表加载失败应返回错误")
	}
}

func TestProcessTickSkipsOverlap(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	svc := New(nil, engine, nil, Options{}, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = svc.ProcessTick(context.Background(), time.Now())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for engine.cycles.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("第一次 tick 未开始")
		}
		time.Sleep(time.Millisecond)
	}

	if err := svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("重叠 tick 应被跳过: %v", err)
	}
	close(engine.block)
	wg.Wait()

	if got := engine.cycles.Load(); got != 1 {
		t.Fatalf("重叠期间不应再次执行, cycles=%d", got)
	}
}

func TestRunWithoutScheduler(t *testing.T) {
	svc := New(nil, &fakeEngine{}, nil, Options{}, zerolog.Nop())
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("缺少 scheduler 时应返回错误")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sched := scheduler.New(scheduler.Options{Interval: 5 * time.Millisecond, MinWakeDelay: time.Millisecond}, zerolog.Nop())
	engine := &fakeEngine{}
	store := storage.NewMemory()
	svc := New(sched, engine, store, Options{Wake: true}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := svc.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if engine.cycles.Load() == 0 {
		t.Fatal("poll loop should have ticked at least once")
	}
}
