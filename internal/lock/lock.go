// Package lock provides the per-plan execution lock. Every TryLock is
// non-blocking: a held lock reports acquired=false so the caller skips the
// plan for this cycle.
package lock

import (
	"context"
	"sync"
)

// Locker takes a per-plan lock. unlock is nil unless acquired is true.
type Locker interface {
	TryLock(ctx context.Context, planID int64) (unlock func(), acquired bool, err error)
}

// Func adapts a plain function, e.g. storage.Store.TryPlanLock.
type Func func(ctx context.Context, planID int64) (func(), bool, error)

// TryLock calls f.
func (f Func) TryLock(ctx context.Context, planID int64) (func(), bool, error) {
	return f(ctx, planID)
}

// Memory serialises plans inside one process.
type Memory struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[int64]struct{})}
}

// TryLock acquires planID if nobody in this process holds it.
func (m *Memory) TryLock(_ context.Context, planID int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.held[planID]; busy {
		return nil, false, nil
	}
	m.held[planID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, planID)
			m.mu.Unlock()
		})
	}, true, nil
}

// Chain acquires every locker in order and releases them in reverse. If a
// later locker is busy or fails, the earlier ones are released.
type Chain []Locker

// TryLock acquires all links or none.
func (c Chain) TryLock(ctx context.Context, planID int64) (func(), bool, error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		unlock, ok, err := l.TryLock(ctx, planID)
		if err != nil || !ok {
			release()
			return nil, false, err
		}
		unlocks = append(unlocks, unlock)
	}

	var once sync.Once
	return func() { once.Do(release) }, true, nil
}
