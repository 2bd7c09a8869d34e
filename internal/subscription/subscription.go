// Package subscription tracks the time-boxed subscriptions spawned by
// confirmed orders. The end date drives the escrow release sweep.
package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrAlreadyExists = errors.New("subscription already exists for order")
)

// Subscription represents an active or elapsed subscription term.
type Subscription struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	ListingID  string    `json:"listingId"`
	BuyerID    string    `json:"buyerId"`
	MerchantID string    `json:"merchantId"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Active reports whether the term covers the given instant.
func (s *Subscription) Active(at time.Time) bool {
	return !at.Before(s.StartsAt) && at.Before(s.EndsAt)
}

// Store persists subscriptions.
type Store interface {
	// Create inserts a subscription. A second insert for the same order
	// returns ErrAlreadyExists (the confirm transition replays safely).
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOrder(ctx context.Context, orderID string) (*Subscription, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Subscription, error)
}
