package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/coinsub/coinsub/internal/pagination"
)

// PostgresStore persists orders and transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, listing_id, merchant_id, fiat_cents, currency, crypto_amount, deposit_address, status, expires_at, confirmed_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	o := &Order{}
	var confirmedAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.ListingID, &o.MerchantID, &o.FiatCents,
		&o.Currency, &o.CryptoAmount, &o.DepositAddress, &o.Status,
		&o.ExpiresAt, &confirmedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		o.ConfirmedAt = &t
	}
	return o, nil
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(30,8), $8, $9, $10, NULL, $11, $12)`,
		o.ID, o.BuyerID, o.ListingID, o.MerchantID, o.FiatCents,
		o.Currency, o.CryptoAmount, o.DepositAddress, string(o.Status),
		o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAddressInUse
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int, cursor *pagination.Cursor) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE buyer_id = $1`
	args := []any{buyerID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (*Order, error) {
	confirmedExpr := "confirmed_at"
	if to == StatusConfirmed {
		confirmedExpr = "$1"
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $1, confirmed_at = `+confirmedExpr+`
		WHERE id = $3 AND status = $4
		RETURNING `+orderColumns,
		now, string(to), id, string(from))
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, p.notFoundOrConflict(ctx, id)
	}
	return o, err
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending_payment' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) OpenAddresses(ctx context.Context, currency string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT deposit_address, id
		FROM orders
		WHERE currency = $1 AND status IN ('pending_payment', 'payment_received')`, currency)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var addr, id string
		if err := rows.Scan(&addr, &id); err != nil {
			return nil, err
		}
		result[addr] = id
	}
	return result, rows.Err()
}

const txColumns = `transaction_hash, order_id, from_address, to_address, amount, currency, confirmations, detected_at, confirmed_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	tx := &Transaction{}
	var confirmedAt sql.NullTime
	err := row.Scan(
		&tx.Hash, &tx.OrderID, &tx.FromAddress, &tx.ToAddress,
		&tx.Amount, &tx.Currency, &tx.Confirmations, &tx.DetectedAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		tx.ConfirmedAt = &t
	}
	return tx, nil
}

// UpsertTransaction inserts a new transaction or raises the confirmation
// count of an existing hash. The WHERE guard on the conflict arm makes
// regressions a no-op, detected by the row count.
func (p *PostgresStore) UpsertTransaction(ctx context.Context, tx *Transaction) error {
	var confirmedAt sql.NullTime
	if tx.ConfirmedAt != nil {
		confirmedAt = sql.NullTime{Time: *tx.ConfirmedAt, Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,8), $6, $7, $8, $9)
		ON CONFLICT (transaction_hash) DO UPDATE
		SET confirmations = EXCLUDED.confirmations,
		    confirmed_at = COALESCE(transactions.confirmed_at, EXCLUDED.confirmed_at)
		WHERE transactions.confirmations <= EXCLUDED.confirmations`,
		tx.Hash, tx.OrderID, tx.FromAddress, tx.ToAddress,
		tx.Amount, tx.Currency, tx.Confirmations, tx.DetectedAt, confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConfirmationRegressed
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE transaction_hash = $1`, hash)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE order_id = $1
		ORDER BY detected_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PendingTransactions(ctx context.Context, currency string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.transaction_hash, t.order_id
		FROM transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE t.currency = $1 AND o.status IN ('pending_payment', 'payment_received')`, currency)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var hash, orderID string
		if err := rows.Scan(&hash, &orderID); err != nil {
			return nil, err
		}
		result[hash] = orderID
	}
	return result, rows.Err()
}

func (p *PostgresStore) notFoundOrConflict(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)
