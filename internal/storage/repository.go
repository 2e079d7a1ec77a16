package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"dcabot/internal/schedule"
	"dcabot/internal/strategy"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrPlanNotFound is returned for unknown plan ids.
	ErrPlanNotFound = errors.New("storage: plan not found")
)

const (
	planColumns = `id,
        venue,
        crypto,
        fiat,
        amount::text,
        frequency,
        cron_expression,
        strategy,
        enabled,
        withdrawal_enabled,
        withdrawal_address,
        created_at,
        last_executed_at,
        next_execution_at`

	listDuePlansSQL = `SELECT ` + planColumns + `
    FROM plans
    WHERE enabled
      AND (next_execution_at IS NULL OR next_execution_at <= $1)
    ORDER BY next_execution_at NULLS FIRST, id;`

	getPlanSQL = `SELECT ` + planColumns + `
    FROM plans
    WHERE id = $1;`

	listPlansSQL = `SELECT ` + planColumns + `
    FROM plans
    ORDER BY id;`

	insertPlanSQL = `INSERT INTO plans (
        venue,
        crypto,
        fiat,
        amount,
        frequency,
        cron_expression,
        strategy,
        enabled,
        withdrawal_enabled,
        withdrawal_address,
        last_executed_at,
        next_execution_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id, created_at;`

	updatePlanSQL = `UPDATE plans
    SET venue              = $2,
        crypto             = $3,
        fiat               = $4,
        amount             = $5,
        frequency          = $6,
        cron_expression    = $7,
        strategy           = $8,
        enabled            = $9,
        withdrawal_enabled = $10,
        withdrawal_address = $11,
        last_executed_at   = $12,
        next_execution_at  = $13
    WHERE id = $1;`

	setPlanEnabledSQL = `UPDATE plans SET enabled = $2 WHERE id = $1;`

	deletePlanSQL = `DELETE FROM plans WHERE id = $1;`

	earliestNextExecutionSQL = `SELECT MIN(next_execution_at)
    FROM plans
    WHERE enabled AND next_execution_at IS NOT NULL;`

	countUnscheduledSQL = `SELECT COUNT(*) FROM plans WHERE enabled AND next_execution_at IS NULL;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1::bigint);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1::bigint);`
)

// PlanStore persists plans.
type PlanStore interface {
	ListDuePlans(ctx context.Context, now time.Time) ([]Plan, error)
	GetPlan(ctx context.Context, id int64) (Plan, error)
	// SavePlan inserts when plan.ID is zero and fills ID/CreatedAt.
	SavePlan(ctx context.Context, plan *Plan) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	DeletePlan(ctx context.Context, id int64) error
	ListPlans(ctx context.Context) ([]Plan, error)
	// EarliestNextExecution returns the soonest scheduled run of an enabled
	// plan. Enabled plans that were never scheduled report the zero time.
	EarliestNextExecution(ctx context.Context) (*time.Time, error)
}

// Ledger is the append-mostly transaction log.
type Ledger interface {
	Append(ctx context.Context, tx Transaction) (Transaction, error)
	// AppendBatch writes all rows or none.
	AppendBatch(ctx context.Context, txs []Transaction) (int, error)
	Query(ctx context.Context, filter TxFilter) ([]Transaction, error)
	DistinctCryptos(ctx context.Context) ([]string, error)
	DistinctVenues(ctx context.Context) ([]string, error)
	ListUnsettled(ctx context.Context) ([]Transaction, error)
	// Settle overwrites the outcome fields of a PENDING or PARTIAL row and
	// reports false when the stored row is already terminal.
	Settle(ctx context.Context, tx Transaction) (bool, error)
}

// BalanceCache keeps the last known balance per venue and currency.
type BalanceCache interface {
	PutSnapshot(ctx context.Context, snap BalanceSnapshot) error
	GetSnapshot(ctx context.Context, venue, currency string) (BalanceSnapshot, bool, error)
}

// PlanLocker takes a durable, non-blocking per-plan lock.
type PlanLocker interface {
	TryPlanLock(ctx context.Context, planID int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the engine persists.
type Repository interface {
	PlanStore
	Ledger
	BalanceCache
	Close()
}

// Store is the PostgreSQL Repository.
type Store struct {
	pool          *pgxpool.Pool
	lockNamespace int32
}

var (
	_ Repository = (*Store)(nil)
	_ PlanLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store. lockNamespace is folded into every
// per-plan advisory lock key.
func NewStore(pool *pgxpool.Pool, lockNamespace int32) *Store {
	return &Store{pool: pool, lockNamespace: lockNamespace}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// lockAcquireTimeout bounds the wait for a pooled connection to hold a plan
// lock on.
const lockAcquireTimeout = 5 * time.Second

// planLockKey folds the namespace and the full plan id into one advisory
// lock key.
func planLockKey(namespace int32, planID int64) int64 {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(namespace))
	binary.BigEndian.PutUint64(buf[4:], uint64(planID))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return int64(h.Sum64())
}

// TryPlanLock takes the session advisory lock for planID on a dedicated
// connection and returns a release func.
func (s *Store) TryPlanLock(ctx context.Context, planID int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	conn, err := pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	key := planLockKey(s.lockNamespace, planID)
	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// 会话锁只能随连接关闭释放
			_ = conn.Hijack().Close(ctxUnlock)
			return
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListDuePlans lists enabled plans whose next run is at or before now.
func (s *Store) ListDuePlans(ctx context.Context, now time.Time) ([]Plan, error) {
	return s.queryPlans(ctx, "list due plans", listDuePlansSQL, now)
}

// ListPlans lists every plan ordered by id.
func (s *Store) ListPlans(ctx context.Context) ([]Plan, error) {
	return s.queryPlans(ctx, "list plans", listPlansSQL)
}

func (s *Store) queryPlans(ctx context.Context, op, query string, args ...any) ([]Plan, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	plans := make([]Plan, 0)
	for rows.Next() {
		plan, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		plans = append(plans, plan)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return plans, nil
}

// GetPlan loads one plan.
func (s *Store) GetPlan(ctx context.Context, id int64) (Plan, error) {
	pool, err := s.getPool()
	if err != nil {
		return Plan{}, err
	}
	plan, err := scanPlan(pool.QueryRow(ctx, getPlanSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

// SavePlan inserts or updates a plan.
func (s *Store) SavePlan(ctx context.Context, plan *Plan) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	strat, err := strategy.Encode(plan.Strategy)
	if err != nil {
		return err
	}

	if plan.ID == 0 {
		row := pool.QueryRow(ctx, insertPlanSQL,
			plan.Venue,
			plan.Crypto,
			plan.Fiat,
			plan.Amount.String(),
			string(plan.Frequency),
			plan.CronExpression,
			strat,
			plan.Enabled,
			plan.WithdrawalEnabled,
			plan.WithdrawalAddress,
			plan.LastExecutedAt,
			plan.NextExecutionAt,
		)
		if scanErr := row.Scan(&plan.ID, &plan.CreatedAt); scanErr != nil {
			return fmt.Errorf("insert plan: %w", scanErr)
		}
		return nil
	}

	tag, execErr := pool.Exec(ctx, updatePlanSQL,
		plan.ID,
		plan.Venue,
		plan.Crypto,
		plan.Fiat,
		plan.Amount.String(),
		string(plan.Frequency),
		plan.CronExpression,
		strat,
		plan.Enabled,
		plan.WithdrawalEnabled,
		plan.WithdrawalAddress,
		plan.LastExecutedAt,
		plan.NextExecutionAt,
	)
	if execErr != nil {
		return fmt.Errorf("update plan: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPlanNotFound, plan.ID)
	}
	return nil
}

// SetEnabled toggles a plan without touching its schedule.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.execPlan(ctx, "set plan enabled", setPlanEnabledSQL, id, enabled)
}

// DeletePlan removes a plan. Its ledger rows are kept.
func (s *Store) DeletePlan(ctx context.Context, id int64) error {
	return s.execPlan(ctx, "delete plan", deletePlanSQL, id)
}

func (s *Store) execPlan(ctx context.Context, op, query string, id int64, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, query, append([]any{id}, args...)...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	return nil
}

// EarliestNextExecution returns the soonest scheduled run among enabled plans.
func (s *Store) EarliestNextExecution(ctx context.Context) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var unscheduled int64
	if scanErr := pool.QueryRow(ctx, countUnscheduledSQL).Scan(&unscheduled); scanErr != nil {
		return nil, fmt.Errorf("count unscheduled plans: %w", scanErr)
	}
	if unscheduled > 0 {
		zero := time.Time{}
		return &zero, nil
	}

	var earliest *time.Time
	if scanErr := pool.QueryRow(ctx, earliestNextExecutionSQL).Scan(&earliest); scanErr != nil {
		return nil, fmt.Errorf("earliest next execution: %w", scanErr)
	}
	return earliest, nil
}

func scanPlan(row pgx.Row) (Plan, error) {
	var (
		plan      Plan
		amountStr string
		frequency string
		strat     []byte
	)
	if err := row.Scan(
		&plan.ID,
		&plan.Venue,
		&plan.Crypto,
		&plan.Fiat,
		&amountStr,
		&frequency,
		&plan.CronExpression,
		&strat,
		&plan.Enabled,
		&plan.WithdrawalEnabled,
		&plan.WithdrawalAddress,
		&plan.CreatedAt,
		&plan.LastExecutedAt,
		&plan.NextExecutionAt,
	); err != nil {
		return Plan{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Plan{}, fmt.Errorf("parse plan amount: %w", err)
	}
	plan.Amount = amount
	plan.Frequency = schedule.Frequency(frequency)

	plan.Strategy, err = strategy.Decode(strat)
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}
