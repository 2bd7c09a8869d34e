package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the escrow ledger and merchant balances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, order_id, subscription_id, merchant_id, currency, amount, fee, merchant_amount, status, refund_amount, held_at, settled_at, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	e := &Entry{}
	var settledAt sql.NullTime
	var refund sql.NullString
	err := row.Scan(
		&e.ID, &e.OrderID, &e.SubscriptionID, &e.MerchantID, &e.Currency,
		&e.Amount, &e.Fee, &e.MerchantAmount, &e.Status, &refund,
		&e.HeldAt, &settledAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		t := settledAt.Time
		e.SettledAt = &t
	}
	if refund.Valid {
		e.RefundAmount = refund.String
	}
	return e, nil
}

// CreateHold inserts a held ledger entry and adds the merchant amount to the
// pending balance in the same transaction. A duplicate order yields ErrAlreadyHeld.
func (p *PostgresStore) CreateHold(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_ledger (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5,
			$6::NUMERIC(30,8), $7::NUMERIC(30,8), $8::NUMERIC(30,8),
			$9, NULL, $10, NULL, $11, $12)`,
		e.ID, e.OrderID, e.SubscriptionID, e.MerchantID, e.Currency,
		e.Amount, e.Fee, e.MerchantAmount,
		string(e.Status), e.HeldAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyHeld
		}
		return fmt.Errorf("insert escrow entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO merchant_balances (merchant_id, currency, available, pending, total_earned, total_withdrawn, updated_at)
		VALUES ($1, $2, 0, $3::NUMERIC(30,8), 0, 0, NOW())
		ON CONFLICT (merchant_id, currency)
		DO UPDATE SET pending = merchant_balances.pending + EXCLUDED.pending, updated_at = NOW()`,
		e.MerchantID, e.Currency, e.MerchantAmount,
	)
	if err != nil {
		return fmt.Errorf("update pending balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow_ledger WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow_ledger WHERE order_id = $1`, orderID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) ListHeld(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM escrow_ledger
		WHERE status = 'held'
		ORDER BY held_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Settle flips a held entry to released or refunded and applies the balance
// deltas in one transaction. The status guard on the UPDATE makes the
// settlement at-most-once under concurrent sweeps and dispute resolution.
func (p *PostgresStore) Settle(ctx context.Context, id string, to Status, refundAmount string, now time.Time) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow_ledger WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock escrow entry: %w", err)
	}
	if e.Status != StatusHeld {
		return nil, ErrNotHeld
	}

	var refund sql.NullString
	if refundAmount != "" {
		refund = sql.NullString{String: refundAmount, Valid: true}
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_ledger
		SET status = $1, refund_amount = $2::NUMERIC(30,8), settled_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'held'`,
		string(to), refund, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("settle escrow entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotHeld
	}

	if to == StatusReleased {
		_, err = tx.ExecContext(ctx, `
			UPDATE merchant_balances
			SET pending = pending - $1::NUMERIC(30,8),
			    available = available + $1::NUMERIC(30,8),
			    total_earned = total_earned + $1::NUMERIC(30,8),
			    updated_at = NOW()
			WHERE merchant_id = $2 AND currency = $3`,
			e.MerchantAmount, e.MerchantID, e.Currency,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE merchant_balances
			SET pending = pending - $1::NUMERIC(30,8), updated_at = NOW()
			WHERE merchant_id = $2 AND currency = $3`,
			e.MerchantAmount, e.MerchantID, e.Currency,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.Status = to
	e.RefundAmount = refundAmount
	settled := now
	e.SettledAt = &settled
	e.UpdatedAt = now
	return e, nil
}

const balanceColumns = `merchant_id, currency, available, pending, total_earned, total_withdrawn, updated_at`

func scanBalance(row interface{ Scan(...any) error }) (*Balance, error) {
	b := &Balance{}
	err := row.Scan(&b.MerchantID, &b.Currency, &b.Available, &b.Pending, &b.TotalEarned, &b.TotalWithdrawn, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, merchantID, currency string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM merchant_balances
		WHERE merchant_id = $1 AND currency = $2`, merchantID, currency)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return &Balance{
			MerchantID:     merchantID,
			Currency:       currency,
			Available:      "0.00000000",
			Pending:        "0.00000000",
			TotalEarned:    "0.00000000",
			TotalWithdrawn: "0.00000000",
			UpdatedAt:      time.Now(),
		}, nil
	}
	return b, err
}

func (p *PostgresStore) ListBalances(ctx context.Context, merchantID string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+balanceColumns+`
		FROM merchant_balances
		WHERE merchant_id = $1
		ORDER BY currency ASC`, merchantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// Withdraw debits the available balance. The guarded UPDATE rejects
// overdrafts without a prior read.
func (p *PostgresStore) Withdraw(ctx context.Context, merchantID, currency, amount string, now time.Time) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE merchant_balances
		SET available = available - $1::NUMERIC(30,8),
		    total_withdrawn = total_withdrawn + $1::NUMERIC(30,8),
		    updated_at = $2
		WHERE merchant_id = $3 AND currency = $4 AND available >= $1::NUMERIC(30,8)
		RETURNING `+balanceColumns, amount, now, merchantID, currency)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, ErrInsufficientAvailable
	}
	return b, err
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)
