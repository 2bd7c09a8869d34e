// Package listing manages the channel listings buyers subscribe to.
//
// A listing carries the merchant, the fiat price, and the subscription
// duration. Order creation locks the price at purchase time, so later
// listing edits never affect open orders.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/coinsub/coinsub/internal/idgen"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrInvalidListing  = errors.New("invalid listing")
)

// Listing represents a subscribable content channel.
type Listing struct {
	ID           string    `json:"id"`
	MerchantID   string    `json:"merchantId"`
	Title        string    `json:"title"`
	FiatCents    int64     `json:"fiatCents"` // price in fiat cents
	DurationDays int       `json:"durationDays"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Duration returns the subscription term the listing sells.
func (l *Listing) Duration() time.Duration {
	return time.Duration(l.DurationDays) * 24 * time.Hour
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Listing, error)
}

// Service implements listing business logic.
type Service struct {
	store Store
}

// NewService creates a new listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	MerchantID   string `json:"merchantId" binding:"required"`
	Title        string `json:"title" binding:"required"`
	FiatCents    int64  `json:"fiatCents" binding:"required"`
	DurationDays int    `json:"durationDays" binding:"required"`
}

// Create creates a new active listing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	if req.FiatCents <= 0 || req.DurationDays <= 0 {
		return nil, ErrInvalidListing
	}

	now := time.Now()
	l := &Listing{
		ID:           idgen.WithPrefix("lst_"),
		MerchantID:   req.MerchantID,
		Title:        req.Title,
		FiatCents:    req.FiatCents,
		DurationDays: req.DurationDays,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// SetActive flips the active flag; inactive listings reject new orders.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l.Active = active
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListByMerchant returns a merchant's listings.
func (s *Service) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByMerchant(ctx, merchantID, limit)
}
