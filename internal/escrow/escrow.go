// Package escrow is the settlement ledger for confirmed orders.
//
// Flow:
//  1. Order confirms → hold opened: merchant pending += merchantAmount
//  2. Subscription term ends uneventfully → release: pending → available,
//     total_earned += merchantAmount
//  3. Dispute resolves with a refund → refund: pending -= merchantAmount,
//     funds return to the buyer outside this ledger
//
// Every transition updates the escrow entry status and the merchant
// balance row in one atomic step; each entry settles at most once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinsub/coinsub/internal/idgen"
	"github.com/coinsub/coinsub/internal/metrics"
	"github.com/coinsub/coinsub/internal/money"
	"github.com/coinsub/coinsub/internal/traces"
)

var (
	ErrEntryNotFound         = errors.New("escrow entry not found")
	ErrAlreadyHeld           = errors.New("escrow already held for order")
	ErrNotHeld               = errors.New("escrow entry is not held")
	ErrRefundExceedsHold     = errors.New("refund amount exceeds held amount")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Status represents the state of an escrow entry.
type Status string

const (
	StatusHeld     Status = "held"     // Funds reserved for the merchant
	StatusReleased Status = "released" // Term elapsed, merchant credited
	StatusRefunded Status = "refunded" // Dispute outcome returned funds to buyer
)

// Entry ties an order (and the subscription it spawned) to held funds.
// Exactly one entry exists per confirmed order; it transitions out of
// held at most once and is immutable thereafter.
type Entry struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"orderId"`
	SubscriptionID string     `json:"subscriptionId"`
	MerchantID     string     `json:"merchantId"`
	Currency       string     `json:"currency"`
	Amount         string     `json:"amount"`         // full held amount
	Fee            string     `json:"fee"`            // platform fee portion
	MerchantAmount string     `json:"merchantAmount"` // amount − fee
	Status         Status     `json:"status"`
	RefundAmount   string     `json:"refundAmount,omitempty"` // set when refunded
	HeldAt         time.Time  `json:"heldAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once the entry has settled.
func (e *Entry) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Balance is a merchant's running totals in one currency.
// Rows are mutated only by escrow transitions and withdrawals, never directly.
type Balance struct {
	MerchantID     string    `json:"merchantId"`
	Currency       string    `json:"currency"`
	Available      string    `json:"available"`
	Pending        string    `json:"pending"`
	TotalEarned    string    `json:"totalEarned"`
	TotalWithdrawn string    `json:"totalWithdrawn"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists escrow entries and merchant balances. Implementations
// must apply each transition's entry-status change and balance delta
// atomically: partial application is never observable.
type Store interface {
	// CreateHold inserts the entry and credits the merchant's pending
	// balance. A second hold for the same order returns ErrAlreadyHeld.
	CreateHold(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByOrder(ctx context.Context, orderID string) (*Entry, error)
	ListHeld(ctx context.Context, limit int) ([]*Entry, error)
	// Settle transitions held→to, guarded on the current status, and
	// applies the matching balance deltas. Returns ErrNotHeld if the
	// entry already settled (the guard lost a race or the event replayed).
	Settle(ctx context.Context, id string, to Status, refundAmount string, now time.Time) (*Entry, error)
	GetBalance(ctx context.Context, merchantID, currency string) (*Balance, error)
	ListBalances(ctx context.Context, merchantID string) ([]*Balance, error)
	// Withdraw debits available and credits total_withdrawn, rejecting
	// overdraw with ErrInsufficientAvailable.
	Withdraw(ctx context.Context, merchantID, currency, amount string, now time.Time) (*Balance, error)
}

// HoldRequest contains the parameters for opening a hold.
type HoldRequest struct {
	OrderID        string
	SubscriptionID string
	MerchantID     string
	Currency       string
	Amount         string
	FeePct         int64
}

// Events receives escrow lifecycle notifications.
type Events interface {
	Publish(eventType string, data map[string]any)
}

// Ledger implements escrow business logic.
type Ledger struct {
	store  Store
	logger *slog.Logger
	events Events
}

// NewLedger creates a new escrow ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// SetEvents attaches a lifecycle event sink. Optional; a nil sink drops events.
func (l *Ledger) SetEvents(events Events) {
	l.events = events
}

func (l *Ledger) publish(eventType string, e *Entry) {
	if l.events == nil {
		return
	}
	l.events.Publish(eventType, map[string]any{
		"entryId":        e.ID,
		"orderId":        e.OrderID,
		"merchantId":     e.MerchantID,
		"currency":       e.Currency,
		"amount":         e.Amount,
		"merchantAmount": e.MerchantAmount,
		"status":         string(e.Status),
	})
}

// Hold opens an escrow entry for a confirmed order. Called only from the
// order confirm transition; a second call for the same order returns
// ErrAlreadyHeld so replayed confirmation events stay idempotent.
func (l *Ledger) Hold(ctx context.Context, req HoldRequest) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.hold",
		traces.OrderID(req.OrderID), traces.Currency(req.Currency), traces.Amount(req.Amount))
	defer span.End()

	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	fee, merchantAmount, err := money.FeeSplit(req.Amount, req.FeePct)
	if err != nil {
		return nil, fmt.Errorf("compute fee split: %w", err)
	}

	now := time.Now()
	entry := &Entry{
		ID:             idgen.WithPrefix("esc_"),
		OrderID:        req.OrderID,
		SubscriptionID: req.SubscriptionID,
		MerchantID:     req.MerchantID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		Fee:            fee,
		MerchantAmount: merchantAmount,
		Status:         StatusHeld,
		HeldAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.store.CreateHold(ctx, entry); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("hold").Inc()
	l.logger.Info("escrow hold opened",
		"entryId", entry.ID,
		"orderId", entry.OrderID,
		"merchant", entry.MerchantID,
		"amount", entry.Amount,
		"merchantAmount", entry.MerchantAmount,
	)
	l.publish("escrow.held", entry)
	return entry, nil
}

// Release settles a held entry in the merchant's favor: pending moves to
// available and total_earned grows by the merchant amount. Safe to call
// from concurrent sweeps; only the guard winner applies the deltas.
func (l *Ledger) Release(ctx context.Context, entryID string) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release")
	defer span.End()

	entry, err := l.store.Settle(ctx, entryID, StatusReleased, "", time.Now())
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("release").Inc()
	l.logger.Info("escrow released",
		"entryId", entry.ID,
		"orderId", entry.OrderID,
		"merchant", entry.MerchantID,
		"merchantAmount", entry.MerchantAmount,
	)
	l.publish("escrow.released", entry)
	return entry, nil
}

// Refund settles a held entry against the merchant: pending drops by the
// merchant amount and nothing is earned. refundAmount is what returns to
// the buyer (capped at the held amount); an empty string refunds in full.
func (l *Ledger) Refund(ctx context.Context, entryID, refundAmount string) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.Amount(refundAmount))
	defer span.End()

	entry, err := l.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if refundAmount == "" {
		refundAmount = entry.Amount
	}
	if !money.IsPositive(refundAmount) {
		return nil, ErrInvalidAmount
	}
	cmp, err := money.Cmp(refundAmount, entry.Amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if cmp > 0 {
		return nil, ErrRefundExceedsHold
	}

	entry, err = l.store.Settle(ctx, entryID, StatusRefunded, refundAmount, time.Now())
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("refund").Inc()
	l.logger.Info("escrow refunded",
		"entryId", entry.ID,
		"orderId", entry.OrderID,
		"merchant", entry.MerchantID,
		"refundAmount", refundAmount,
	)
	l.publish("escrow.refunded", entry)
	return entry, nil
}

// Withdraw debits a merchant's available balance.
func (l *Ledger) Withdraw(ctx context.Context, merchantID, currency, amount string) (*Balance, error) {
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	bal, err := l.store.Withdraw(ctx, merchantID, currency, amount, time.Now())
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("withdraw").Inc()
	l.logger.Info("merchant withdrawal",
		"merchant", merchantID,
		"currency", currency,
		"amount", amount,
	)
	return bal, nil
}

// Get returns an entry by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	return l.store.Get(ctx, id)
}

// GetByOrder returns the entry for an order.
func (l *Ledger) GetByOrder(ctx context.Context, orderID string) (*Entry, error) {
	return l.store.GetByOrder(ctx, orderID)
}

// Balances returns all balance rows for a merchant.
func (l *Ledger) Balances(ctx context.Context, merchantID string) ([]*Balance, error) {
	return l.store.ListBalances(ctx, merchantID)
}

// Balance returns a merchant's balance in one currency.
func (l *Ledger) Balance(ctx context.Context, merchantID, currency string) (*Balance, error) {
	return l.store.GetBalance(ctx, merchantID, currency)
}
