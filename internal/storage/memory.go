package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository used when no database is configured
// and by tests.
type Memory struct {
	mu        sync.Mutex
	plans     map[int64]Plan
	txs       []Transaction
	snapshots map[string]BalanceSnapshot
	nextPlan  int64
	nextTx    int64
	now       func() time.Time
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		plans:     make(map[int64]Plan),
		snapshots: make(map[string]BalanceSnapshot),
		now:       time.Now,
	}
}

// Close is a no-op.
func (m *Memory) Close() {}

func clonePlan(p Plan) Plan {
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		p.LastExecutedAt = &t
	}
	if p.NextExecutionAt != nil {
		t := *p.NextExecutionAt
		p.NextExecutionAt = &t
	}
	return p
}

// ListDuePlans lists enabled plans due at now.
func (m *Memory) ListDuePlans(_ context.Context, now time.Time) ([]Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]Plan, 0)
	for _, p := range m.plans {
		if p.DueAt(now) {
			due = append(due, clonePlan(p))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// GetPlan loads one plan.
func (m *Memory) GetPlan(_ context.Context, id int64) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	return clonePlan(p), nil
}

// SavePlan inserts or replaces a plan.
func (m *Memory) SavePlan(_ context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if plan.ID == 0 {
		m.nextPlan++
		plan.ID = m.nextPlan
		if plan.CreatedAt.IsZero() {
			plan.CreatedAt = m.now().UTC()
		}
	} else if _, ok := m.plans[plan.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrPlanNotFound, plan.ID)
	}
	m.plans[plan.ID] = clonePlan(*plan)
	return nil
}

// SetEnabled toggles a plan.
func (m *Memory) SetEnabled(_ context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	p.Enabled = enabled
	m.plans[id] = p
	return nil
}

// DeletePlan removes a plan and keeps its ledger rows.
func (m *Memory) DeletePlan(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[id]; !ok {
		return fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	delete(m.plans, id)
	return nil
}

// ListPlans lists every plan ordered by id.
func (m *Memory) ListPlans(_ context.Context) ([]Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		plans = append(plans, clonePlan(p))
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

// EarliestNextExecution returns the soonest run among enabled plans.
func (m *Memory) EarliestNextExecution(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest *time.Time
	for _, p := range m.plans {
		if !p.Enabled {
			continue
		}
		if p.NextExecutionAt == nil {
			zero := time.Time{}
			return &zero, nil
		}
		if earliest == nil || p.NextExecutionAt.Before(*earliest) {
			t := *p.NextExecutionAt
			earliest = &t
		}
	}
	return earliest, nil
}

// Append adds one ledger row.
func (m *Memory) Append(_ context.Context, tx Transaction) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !tx.Status.Valid() {
		return Transaction{}, fmt.Errorf("append transaction: invalid status %q", tx.Status)
	}
	m.nextTx++
	tx.ID = m.nextTx
	m.txs = append(m.txs, tx)
	return tx, nil
}

// AppendBatch adds all rows or none.
func (m *Memory) AppendBatch(_ context.Context, txs []Transaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, tx := range txs {
		if !tx.Status.Valid() {
			return 0, fmt.Errorf("append batch row %d: invalid status %q", i, tx.Status)
		}
	}
	for _, tx := range txs {
		m.nextTx++
		tx.ID = m.nextTx
		m.txs = append(m.txs, tx)
	}
	return len(txs), nil
}

// Query lists matching rows.
func (m *Memory) Query(_ context.Context, filter TxFilter) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, 0)
	for _, tx := range m.txs {
		if filter.match(tx) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			if filter.Desc {
				return a.ExecutedAt.After(b.ExecutedAt)
			}
			return a.ExecutedAt.Before(b.ExecutedAt)
		}
		if filter.Desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DistinctCryptos lists crypto symbols present in the ledger.
func (m *Memory) DistinctCryptos(_ context.Context) ([]string, error) {
	return m.distinct(func(tx Transaction) string { return tx.Crypto }), nil
}

// DistinctVenues lists venues present in the ledger.
func (m *Memory) DistinctVenues(_ context.Context) ([]string, error) {
	return m.distinct(func(tx Transaction) string { return tx.Venue }), nil
}

func (m *Memory) distinct(field func(Transaction) string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]struct{}{}
	values := make([]string, 0)
	for _, tx := range m.txs {
		v := field(tx)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// ListUnsettled lists PENDING and PARTIAL rows.
func (m *Memory) ListUnsettled(_ context.Context) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, 0)
	for _, tx := range m.txs {
		if !tx.Status.Terminal() {
			out = append(out, tx)
		}
	}
	return out, nil
}

// Settle updates a non-terminal row's outcome.
func (m *Memory) Settle(_ context.Context, tx Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.txs {
		stored := &m.txs[i]
		if stored.ID != tx.ID {
			continue
		}
		if stored.Status.Terminal() {
			return false, nil
		}
		stored.FiatAmount = tx.FiatAmount
		stored.CryptoAmount = tx.CryptoAmount
		stored.Price = tx.Price
		stored.Fee = tx.Fee
		stored.FeeAsset = tx.FeeAsset
		stored.Status = tx.Status
		stored.ErrorMessage = tx.ErrorMessage
		return true, nil
	}
	return false, nil
}

func snapshotKey(venue, currency string) string {
	return venue + "\x00" + currency
}

// PutSnapshot overwrites the cached balance.
func (m *Memory) PutSnapshot(_ context.Context, snap BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[snapshotKey(snap.Venue, snap.Currency)] = snap
	return nil
}

// GetSnapshot returns the cached balance, if any.
func (m *Memory) GetSnapshot(_ context.Context, venue, currency string) (BalanceSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[snapshotKey(venue, currency)]
	return snap, ok, nil
}
