package subscription

import (
	"context"
	"time"
)

// Service exposes read access to subscriptions and the term lookup the
// escrow release sweep depends on.
type Service struct {
	store Store
}

// NewService creates a new subscription service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns a subscription by ID.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the subscription spawned by an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Subscription, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByBuyer returns a buyer's subscriptions, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Subscription, error) {
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// TermEnd returns when the subscription backing an order ends.
func (s *Service) TermEnd(ctx context.Context, orderID string) (time.Time, error) {
	sub, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return time.Time{}, err
	}
	return sub.EndsAt, nil
}
