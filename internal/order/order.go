// Package order owns the order lifecycle state machine.
//
// States: pending_payment → payment_received → confirmed, with
// pending_payment → expired and pending_payment → cancelled as the
// alternate exits. Every transition is a guarded conditional update on
// the current status, so replayed chain events and concurrent sweeps
// collapse to a single winner.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/coinsub/coinsub/internal/pagination"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrRateUnavailable     = errors.New("conversion rate unavailable")
	ErrListingUnavailable  = errors.New("listing is not available for purchase")
	ErrStatusConflict      = errors.New("order is not in the expected status")
	ErrAddressInUse        = errors.New("deposit address already assigned")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidCursor       = errors.New("invalid pagination cursor")
	// ErrConfirmationRegressed marks a confirmation count lower than one
	// already recorded for the hash. Barring a chain reorganization this
	// must never happen; the update is dropped, not applied.
	ErrConfirmationRegressed = errors.New("confirmation count regressed")
)

// Status represents the state of an order.
type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPaymentReceived Status = "payment_received"
	StatusConfirmed       Status = "confirmed"
	StatusExpired         Status = "expired"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusCancelled
}

// Order is a buyer's purchase intent: a fiat price locked at creation,
// converted once into a crypto amount, payable to a dedicated deposit
// address before the expiry window closes.
type Order struct {
	ID             string     `json:"id"`
	BuyerID        string     `json:"buyerId"`
	ListingID      string     `json:"listingId"`
	MerchantID     string     `json:"merchantId"`
	FiatCents      int64      `json:"fiatCents"`
	Currency       string     `json:"currency"`
	CryptoAmount   string     `json:"cryptoAmount"` // locked at creation, never recomputed
	DepositAddress string     `json:"depositAddress"`
	Status         Status     `json:"status"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Transaction is an observed on-chain transfer toward an order's deposit
// address. Keyed by hash; confirmation counts only ever grow.
type Transaction struct {
	Hash          string     `json:"hash"`
	OrderID       string     `json:"orderId"`
	FromAddress   string     `json:"fromAddress"`
	ToAddress     string     `json:"toAddress"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Confirmations uint64     `json:"confirmations"`
	DetectedAt    time.Time  `json:"detectedAt"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
}

// Store persists orders and their observed transactions.
type Store interface {
	// Create inserts a pending_payment order. A deposit address already
	// assigned to an open order of the same currency returns ErrAddressInUse.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// ListByBuyer returns up to limit orders newest first, starting
	// strictly after the cursor position when one is given.
	ListByBuyer(ctx context.Context, buyerID string, limit int, cursor *pagination.Cursor) ([]*Order, error)
	// UpdateStatus transitions from→to, guarded on the current status.
	// Returns ErrStatusConflict if the order is not in from.
	UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (*Order, error)
	// ListExpired returns pending_payment orders whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// OpenAddresses maps deposit address → order ID for orders of the
	// currency still awaiting payment or confirmation.
	OpenAddresses(ctx context.Context, currency string) (map[string]string, error)

	// UpsertTransaction inserts the transaction or raises an existing
	// hash's confirmation count. A count lower than the recorded one
	// returns ErrConfirmationRegressed and changes nothing.
	UpsertTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error)
	// PendingTransactions maps tx hash → order ID for transactions of
	// the currency whose orders are not yet terminal.
	PendingTransactions(ctx context.Context, currency string) (map[string]string, error)
}
