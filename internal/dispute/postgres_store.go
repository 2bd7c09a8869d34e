package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, buyer_id, reason, status, outcome, refund_amount, resolution, resolved_at, created_at, updated_at`

func scanDispute(row interface{ Scan(...any) error }) (*Dispute, error) {
	d := &Dispute{}
	var outcome, refund, resolution sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.OrderID, &d.BuyerID, &d.Reason, &d.Status,
		&outcome, &refund, &resolution, &resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Outcome = Outcome(outcome.String)
	d.RefundAmount = refund.String
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

// Create inserts an open dispute. The partial unique index on active
// disputes per order turns a duplicate into ErrDisputeOpen.
func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, buyer_id, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.OrderID, d.BuyerID, d.Reason, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDisputeOpen
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) StartReview(ctx context.Context, id string, now time.Time) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE disputes
		SET status = 'under_review', updated_at = $1
		WHERE id = $2 AND status = 'open'
		RETURNING `+disputeColumns, now, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, p.notFoundOrNotActive(ctx, id)
	}
	return d, err
}

func (p *PostgresStore) Close(ctx context.Context, id string, to Status, outcome Outcome, refundAmount, resolution string, now time.Time) (*Dispute, error) {
	var outcomeVal, refundVal, resolutionVal sql.NullString
	if outcome != "" {
		outcomeVal = sql.NullString{String: string(outcome), Valid: true}
	}
	if refundAmount != "" {
		refundVal = sql.NullString{String: refundAmount, Valid: true}
	}
	if resolution != "" {
		resolutionVal = sql.NullString{String: resolution, Valid: true}
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE disputes
		SET status = $1, outcome = $2, refund_amount = $3::NUMERIC(30,8),
		    resolution = $4, resolved_at = $5, updated_at = $5
		WHERE id = $6 AND status IN ('open', 'under_review')
		RETURNING `+disputeColumns,
		string(to), outcomeVal, refundVal, resolutionVal, now, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, p.notFoundOrNotActive(ctx, id)
	}
	return d, err
}

func (p *PostgresStore) HasActive(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE order_id = $1 AND status IN ('open', 'under_review')
		)`, orderID).Scan(&exists)
	return exists, err
}

// notFoundOrNotActive distinguishes a missing dispute from one that lost
// the transition guard.
func (p *PostgresStore) notFoundOrNotActive(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM disputes WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrDisputeNotFound
	}
	if err != nil {
		return err
	}
	return ErrNotActive
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)
