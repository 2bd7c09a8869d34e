// Package dispute handles buyer disputes against confirmed orders.
//
// An open dispute blocks the automatic release of the order's escrow
// entry. A refund resolution settles the entry and returns funds to the
// buyer. A release resolution, like a rejection, leaves the entry held
// so the release timer credits the merchant at term end.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinsub/coinsub/internal/escrow"
	"github.com/coinsub/coinsub/internal/idgen"
	"github.com/coinsub/coinsub/internal/metrics"
	"github.com/coinsub/coinsub/internal/money"
	"github.com/coinsub/coinsub/internal/traces"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrDisputeOpen     = errors.New("an active dispute already exists for this order")
	ErrNoActiveEscrow  = errors.New("order has no held escrow entry")
	ErrNotActive       = errors.New("dispute is not active")
	ErrInvalidOutcome  = errors.New("invalid dispute outcome")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved" // Outcome applied to the escrow entry
	StatusRejected    Status = "rejected" // Dismissed, escrow left held
)

// Outcome is the resolution applied to the escrow entry.
type Outcome string

const (
	OutcomeFullRefund    Outcome = "full_refund"
	OutcomePartialRefund Outcome = "partial_refund"
	OutcomeRelease       Outcome = "release"
)

// Dispute is a buyer's challenge against a confirmed order.
type Dispute struct {
	ID           string     `json:"id"`
	OrderID      string     `json:"orderId"`
	BuyerID      string     `json:"buyerId"`
	Reason       string     `json:"reason"`
	Status       Status     `json:"status"`
	Outcome      Outcome    `json:"outcome,omitempty"`
	RefundAmount string     `json:"refundAmount,omitempty"`
	Resolution   string     `json:"resolution,omitempty"` // reviewer's note
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Active reports whether the dispute still blocks escrow release.
func (d *Dispute) Active() bool {
	return d.Status == StatusOpen || d.Status == StatusUnderReview
}

// Store persists disputes.
type Store interface {
	// Create inserts an open dispute. A second active dispute for the
	// same order returns ErrDisputeOpen.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
	// StartReview transitions open→under_review, guarded on the current
	// status.
	StartReview(ctx context.Context, id string, now time.Time) (*Dispute, error)
	// Close transitions an active dispute to resolved or rejected,
	// guarded on the current status. Returns ErrNotActive if it lost
	// the race.
	Close(ctx context.Context, id string, to Status, outcome Outcome, refundAmount, resolution string, now time.Time) (*Dispute, error)
	// HasActive reports whether an open or under_review dispute exists
	// for the order.
	HasActive(ctx context.Context, orderID string) (bool, error)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	OrderID string `json:"orderId"`
	BuyerID string `json:"buyerId"`
	Reason  string `json:"reason"`
}

// ResolveRequest contains the reviewer's decision.
type ResolveRequest struct {
	Outcome      Outcome `json:"outcome"`
	RefundAmount string  `json:"refundAmount,omitempty"` // partial_refund only
	Resolution   string  `json:"resolution,omitempty"`
}

// Resolver implements dispute business logic on top of the escrow ledger.
type Resolver struct {
	store  Store
	ledger *escrow.Ledger
	logger *slog.Logger
}

// NewResolver creates a new dispute resolver.
func NewResolver(store Store, ledger *escrow.Ledger, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, ledger: ledger, logger: logger}
}

// Open files a dispute against an order. The order must have a held
// escrow entry and no other active dispute.
func (r *Resolver) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.OrderID(req.OrderID))
	defer span.End()

	entry, err := r.ledger.GetByOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, escrow.ErrEntryNotFound) {
			return nil, ErrNoActiveEscrow
		}
		return nil, fmt.Errorf("look up escrow entry: %w", err)
	}
	if entry.Status != escrow.StatusHeld {
		return nil, ErrNoActiveEscrow
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		Reason:    req.Reason,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("open").Inc()
	r.logger.Info("dispute opened",
		"disputeId", d.ID, "orderId", d.OrderID, "buyer", d.BuyerID)
	return d, nil
}

// StartReview marks an open dispute as under review.
func (r *Resolver) StartReview(ctx context.Context, id string) (*Dispute, error) {
	d, err := r.store.StartReview(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("review").Inc()
	r.logger.Info("dispute under review", "disputeId", d.ID, "orderId", d.OrderID)
	return d, nil
}

// Resolve applies the outcome to the order's escrow entry and closes the
// dispute. The escrow settlement happens first: if it fails nothing is
// recorded, and the dispute stays active for a retry. A retry after the
// close write failed finds the entry already refunded and finishes the
// close without touching the ledger again.
func (r *Resolver) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve")
	defer span.End()

	d, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Active() {
		return nil, ErrNotActive
	}

	entry, err := r.ledger.GetByOrder(ctx, d.OrderID)
	if err != nil {
		return nil, fmt.Errorf("look up escrow entry: %w", err)
	}

	var refundAmount string
	switch req.Outcome {
	case OutcomeFullRefund, OutcomePartialRefund:
		want := entry.Amount
		requested := ""
		if req.Outcome == OutcomePartialRefund {
			want = req.RefundAmount
			requested = req.RefundAmount
		}
		if entry.Status == escrow.StatusRefunded {
			// A prior attempt settled the entry but failed to record the
			// close. Finish the close instead of re-entering the ledger.
			cmp, cmpErr := money.Cmp(entry.RefundAmount, want)
			if cmpErr != nil || cmp != 0 {
				return nil, escrow.ErrNotHeld
			}
			refundAmount = entry.RefundAmount
		} else {
			settled, err := r.ledger.Refund(ctx, entry.ID, requested)
			if err != nil {
				return nil, err
			}
			refundAmount = settled.RefundAmount
		}
	case OutcomeRelease:
		// The entry stays held. Closing the dispute unblocks the release
		// timer, which credits the merchant once the term has elapsed.
	default:
		return nil, ErrInvalidOutcome
	}

	d, err = r.store.Close(ctx, id, StatusResolved, req.Outcome, refundAmount, req.Resolution, time.Now())
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolve").Inc()
	r.logger.Info("dispute resolved",
		"disputeId", d.ID,
		"orderId", d.OrderID,
		"outcome", string(req.Outcome),
		"refundAmount", refundAmount,
	)
	return d, nil
}

// Reject dismisses a dispute without touching the escrow entry. The
// release timer picks the hold up again on its next sweep.
func (r *Resolver) Reject(ctx context.Context, id, resolution string) (*Dispute, error) {
	d, err := r.store.Close(ctx, id, StatusRejected, "", "", resolution, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("reject").Inc()
	r.logger.Info("dispute rejected", "disputeId", d.ID, "orderId", d.OrderID)
	return d, nil
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*Dispute, error) {
	return r.store.Get(ctx, id)
}

// ListByOrder returns all disputes filed against an order.
func (r *Resolver) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	return r.store.ListByOrder(ctx, orderID)
}

// HasBlocking reports whether an active dispute blocks settlement of the
// order. Satisfies the escrow timer's dispute guard.
func (r *Resolver) HasBlocking(ctx context.Context, orderID string) (bool, error) {
	return r.store.HasActive(ctx, orderID)
}

// Compile-time check.
var _ escrow.DisputeGuard = (*Resolver)(nil)
