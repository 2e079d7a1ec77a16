package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	txColumns = `id,
        plan_id,
        venue,
        crypto,
        fiat,
        fiat_amount::text,
        crypto_amount::text,
        price::text,
        fee::text,
        fee_asset,
        status,
        order_id,
        error_message,
        executed_at`

	insertTransactionSQL = `INSERT INTO transactions (
        plan_id,
        venue,
        crypto,
        fiat,
        fiat_amount,
        crypto_amount,
        price,
        fee,
        fee_asset,
        status,
        order_id,
        error_message,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    RETURNING id;`

	distinctCryptosSQL = `SELECT DISTINCT crypto FROM transactions ORDER BY crypto;`
	distinctVenuesSQL  = `SELECT DISTINCT venue FROM transactions ORDER BY venue;`

	listUnsettledSQL = `SELECT ` + txColumns + `
    FROM transactions
    WHERE status IN ('PENDING','PARTIAL')
    ORDER BY executed_at, id;`

	settleTransactionSQL = `UPDATE transactions
    SET fiat_amount   = $2,
        crypto_amount = $3,
        price         = $4,
        fee           = $5,
        fee_asset     = $6,
        status        = $7,
        error_message = $8
    WHERE id = $1
      AND status IN ('PENDING','PARTIAL');`

	upsertBalanceSnapshotSQL = `INSERT INTO balance_snapshots (
        venue,
        currency,
        amount,
        observed_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (venue, currency) DO UPDATE
    SET amount      = EXCLUDED.amount,
        observed_at = EXCLUDED.observed_at;`

	getBalanceSnapshotSQL = `SELECT amount::text, observed_at
    FROM balance_snapshots
    WHERE venue = $1 AND currency = $2;`
)

// Append inserts one ledger row and returns it with its id.
func (s *Store) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return Transaction{}, err
	}
	if err := pool.QueryRow(ctx, insertTransactionSQL, txArgs(tx)...).Scan(&tx.ID); err != nil {
		return Transaction{}, fmt.Errorf("append transaction: %w", err)
	}
	return tx, nil
}

// AppendBatch inserts all rows in a single database transaction.
func (s *Store) AppendBatch(ctx context.Context, txs []Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	dbTx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append batch: %w", err)
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, tx := range txs {
		batch.Queue(insertTransactionSQL, txArgs(tx)...)
	}
	results := dbTx.SendBatch(ctx, batch)
	for i := range txs {
		var id int64
		if err := results.QueryRow().Scan(&id); err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("append batch row %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("append batch: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append batch: %w", err)
	}
	return len(txs), nil
}

func txArgs(tx Transaction) []any {
	var orderID, errMsg any
	if tx.OrderID != "" {
		orderID = tx.OrderID
	}
	if tx.ErrorMessage != "" {
		errMsg = tx.ErrorMessage
	}
	return []any{
		tx.PlanID,
		tx.Venue,
		tx.Crypto,
		tx.Fiat,
		tx.FiatAmount.String(),
		tx.CryptoAmount.String(),
		tx.Price.String(),
		tx.Fee.String(),
		tx.FeeAsset,
		string(tx.Status),
		orderID,
		errMsg,
		tx.ExecutedAt,
	}
}

// Query lists ledger rows matching filter, oldest first unless Desc is set.
func (s *Store) Query(ctx context.Context, filter TxFilter) ([]Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildTxQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query transactions: %w", queryErr)
	}
	return collectTransactions(rows)
}

func buildTxQuery(filter TxFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.PlanID != nil {
		add("plan_id = $%d", *filter.PlanID)
	}
	if filter.Venue != "" {
		add("venue = $%d", filter.Venue)
	}
	if filter.Crypto != "" {
		add("upper(crypto) = upper($%d)", filter.Crypto)
	}
	if filter.Fiat != "" {
		add("upper(fiat) = upper($%d)", filter.Fiat)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("executed_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("executed_at < $%d", filter.To)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(txColumns)
	b.WriteString(" FROM transactions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if filter.Desc {
		b.WriteString(" ORDER BY executed_at DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY executed_at, id")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// ListUnsettled lists PENDING and PARTIAL rows.
func (s *Store) ListUnsettled(ctx context.Context) ([]Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUnsettledSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list unsettled transactions: %w", queryErr)
	}
	return collectTransactions(rows)
}

// Settle updates a non-terminal row in place.
func (s *Store) Settle(ctx context.Context, tx Transaction) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var errMsg any
	if tx.ErrorMessage != "" {
		errMsg = tx.ErrorMessage
	}
	tag, execErr := pool.Exec(ctx, settleTransactionSQL,
		tx.ID,
		tx.FiatAmount.String(),
		tx.CryptoAmount.String(),
		tx.Price.String(),
		tx.Fee.String(),
		tx.FeeAsset,
		string(tx.Status),
		errMsg,
	)
	if execErr != nil {
		return false, fmt.Errorf("settle transaction: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// DistinctCryptos lists every crypto symbol in the ledger.
func (s *Store) DistinctCryptos(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "distinct cryptos", distinctCryptosSQL)
}

// DistinctVenues lists every venue in the ledger.
func (s *Store) DistinctVenues(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "distinct venues", distinctVenuesSQL)
}

func (s *Store) distinct(ctx context.Context, op, query string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	values, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("%s: %w", op, collectErr)
	}
	return values, nil
}

// PutSnapshot overwrites the cached balance for (venue, currency).
func (s *Store) PutSnapshot(ctx context.Context, snap BalanceSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertBalanceSnapshotSQL,
		snap.Venue,
		snap.Currency,
		snap.Amount.String(),
		snap.ObservedAt,
	); execErr != nil {
		return fmt.Errorf("put balance snapshot: %w", execErr)
	}
	return nil
}

// GetSnapshot returns the cached balance, if any.
func (s *Store) GetSnapshot(ctx context.Context, venue, currency string) (BalanceSnapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return BalanceSnapshot{}, false, err
	}
	var (
		amountStr  string
		observedAt time.Time
	)
	scanErr := pool.QueryRow(ctx, getBalanceSnapshotSQL, venue, currency).Scan(&amountStr, &observedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return BalanceSnapshot{}, false, nil
	}
	if scanErr != nil {
		return BalanceSnapshot{}, false, fmt.Errorf("get balance snapshot: %w", scanErr)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return BalanceSnapshot{}, false, fmt.Errorf("parse snapshot amount: %w", err)
	}
	return BalanceSnapshot{Venue: venue, Currency: currency, Amount: amount, ObservedAt: observedAt}, true, nil
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()

	txs := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txs, nil
}

func scanTransaction(rows pgx.Rows) (Transaction, error) {
	var (
		tx                                   Transaction
		fiatStr, cryptoStr, priceStr, feeStr string
		status                               string
		orderID, errMsg                      sql.NullString
	)
	if err := rows.Scan(
		&tx.ID,
		&tx.PlanID,
		&tx.Venue,
		&tx.Crypto,
		&tx.Fiat,
		&fiatStr,
		&cryptoStr,
		&priceStr,
		&feeStr,
		&tx.FeeAsset,
		&status,
		&orderID,
		&errMsg,
		&tx.ExecutedAt,
	); err != nil {
		return Transaction{}, err
	}

	var err error
	if tx.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return Transaction{}, fmt.Errorf("parse fiat amount: %w", err)
	}
	if tx.CryptoAmount, err = decimal.NewFromString(cryptoStr); err != nil {
		return Transaction{}, fmt.Errorf("parse crypto amount: %w", err)
	}
	if tx.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Transaction{}, fmt.Errorf("parse price: %w", err)
	}
	if tx.Fee, err = decimal.NewFromString(feeStr); err != nil {
		return Transaction{}, fmt.Errorf("parse fee: %w", err)
	}
	tx.Status = Status(status)
	if orderID.Valid {
		tx.OrderID = orderID.String
	}
	if errMsg.Valid {
		tx.ErrorMessage = errMsg.String
	}
	return tx, nil
}
