package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinsub/coinsub/internal/escrow"
	"github.com/coinsub/coinsub/internal/idgen"
	"github.com/coinsub/coinsub/internal/listing"
	"github.com/coinsub/coinsub/internal/metrics"
	"github.com/coinsub/coinsub/internal/money"
	"github.com/coinsub/coinsub/internal/pagination"
	"github.com/coinsub/coinsub/internal/rates"
	"github.com/coinsub/coinsub/internal/subscription"
	"github.com/coinsub/coinsub/internal/traces"
)

const allocateRetries = 3

// Events receives order lifecycle notifications for the realtime feed.
type Events interface {
	Publish(eventType string, data map[string]any)
}

// Config carries the settlement parameters the service needs.
type Config struct {
	// PlatformFeePct is the percentage retained before crediting the merchant.
	PlatformFeePct int64
	// Expiry is how long a pending_payment order waits for a deposit.
	Expiry time.Duration
	// Thresholds maps currency code → required confirmation count.
	Thresholds map[string]uint64
}

// Service implements the order lifecycle.
type Service struct {
	store     Store
	listings  *listing.Service
	rates     rates.Source
	allocator AddressAllocator
	ledger    *escrow.Ledger
	subs      subscription.Store
	cfg       Config
	events    Events
	logger    *slog.Logger
}

// NewService creates a new order service.
func NewService(store Store, listings *listing.Service, rateSource rates.Source, allocator AddressAllocator, ledger *escrow.Ledger, subs subscription.Store, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		listings:  listings,
		rates:     rateSource,
		allocator: allocator,
		ledger:    ledger,
		subs:      subs,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetEvents attaches a realtime event publisher.
func (s *Service) SetEvents(events Events) {
	s.events = events
}

// CreateRequest contains the parameters for a new order.
type CreateRequest struct {
	BuyerID   string `json:"buyerId"`
	ListingID string `json:"listingId"`
	Currency  string `json:"currency"`
}

// Create locks the listing's fiat price, converts it to the chosen
// currency at the current rate, allocates a fresh deposit address, and
// writes the order in pending_payment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.create", traces.Currency(req.Currency))
	defer span.End()

	l, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrListingNotFound) {
			return nil, ErrListingUnavailable
		}
		return nil, fmt.Errorf("look up listing: %w", err)
	}
	if !l.Active {
		return nil, ErrListingUnavailable
	}

	amount, err := s.rates.Convert(ctx, l.FiatCents, req.Currency)
	if err != nil {
		if errors.Is(err, rates.ErrRateUnavailable) {
			return nil, ErrRateUnavailable
		}
		return nil, fmt.Errorf("convert price: %w", err)
	}

	now := time.Now()
	o := &Order{
		ID:           idgen.WithPrefix("ord_"),
		BuyerID:      req.BuyerID,
		ListingID:    l.ID,
		MerchantID:   l.MerchantID,
		FiatCents:    l.FiatCents,
		Currency:     req.Currency,
		CryptoAmount: amount,
		Status:       StatusPendingPayment,
		ExpiresAt:    now.Add(s.cfg.Expiry),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Address collisions are vanishingly rare but the store enforces
	// uniqueness, so retry allocation on conflict.
	for attempt := 0; ; attempt++ {
		addr, err := s.allocator.Allocate(ctx, req.Currency)
		if err != nil {
			return nil, fmt.Errorf("allocate deposit address: %w", err)
		}
		o.DepositAddress = addr

		err = s.store.Create(ctx, o)
		if err == nil {
			break
		}
		if errors.Is(err, ErrAddressInUse) && attempt < allocateRetries {
			continue
		}
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusPendingPayment)).Inc()
	s.logger.Info("order created",
		"orderId", o.ID,
		"buyer", o.BuyerID,
		"listing", o.ListingID,
		"currency", o.Currency,
		"amount", o.CryptoAmount,
		"depositAddress", o.DepositAddress,
		"expiresAt", o.ExpiresAt,
	)
	s.publish("order.created", o)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns one page of a buyer's orders, newest first, plus
// the cursor for the next page when more exist.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int, cursorStr string) ([]*Order, string, error) {
	cursor, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	orders, err := s.store.ListByBuyer(ctx, buyerID, limit+1, cursor)
	if err != nil {
		return nil, "", err
	}
	orders, next, _ := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return orders, next, nil
}

// Transactions returns the observed deposits for an order.
func (s *Service) Transactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, orderID)
}

// Cancel transitions a pending_payment order to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.UpdateStatus(ctx, id, StatusPendingPayment, StatusCancelled, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("order cancelled", "orderId", o.ID)
	s.publish("order.cancelled", o)
	return o, nil
}

// Expire transitions a pending_payment order past its deadline to
// expired. Called by the expiry timer; safe under concurrent sweeps.
func (s *Service) Expire(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.UpdateStatus(ctx, id, StatusPendingPayment, StatusExpired, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.logger.Info("order expired", "orderId", o.ID)
	s.publish("order.expired", o)
	return o, nil
}

// OpenAddresses maps deposit address → order ID for open orders of the
// currency. Feeds the chain watcher's address filter.
func (s *Service) OpenAddresses(ctx context.Context, currency string) (map[string]string, error) {
	return s.store.OpenAddresses(ctx, currency)
}

// PendingTransactions maps tx hash → order ID for deposits still
// awaiting the confirmation threshold.
func (s *Service) PendingTransactions(ctx context.Context, currency string) (map[string]string, error) {
	return s.store.PendingTransactions(ctx, currency)
}

// DepositObserved records a transaction seen against an order's deposit
// address and moves the order to payment_received on first sighting.
// Late or duplicate notifications are no-ops.
func (s *Service) DepositObserved(ctx context.Context, orderID, txHash, from, to, amount string, confirmations uint64) error {
	ctx, span := traces.StartSpan(ctx, "order.deposit_observed",
		traces.OrderID(orderID), traces.TxHash(txHash), traces.Amount(amount))
	defer span.End()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}

	tx := &Transaction{
		Hash:          txHash,
		OrderID:       orderID,
		FromAddress:   from,
		ToAddress:     to,
		Amount:        amount,
		Currency:      o.Currency,
		Confirmations: confirmations,
		DetectedAt:    time.Now(),
	}
	if err := s.upsertTransaction(ctx, tx); err != nil {
		return err
	}
	metrics.DepositsObservedTotal.WithLabelValues(o.Currency).Inc()

	updated, err := s.store.UpdateStatus(ctx, orderID, StatusPendingPayment, StatusPaymentReceived, time.Now())
	switch {
	case err == nil:
		metrics.OrderTransitionsTotal.WithLabelValues(string(StatusPaymentReceived)).Inc()
		s.logger.Info("deposit observed",
			"orderId", orderID,
			"txHash", txHash,
			"amount", amount,
			"confirmations", confirmations,
		)
		s.publish("order.payment_received", updated)
	case errors.Is(err, ErrStatusConflict):
		// Already past pending_payment (a top-up, or a replayed event).
		// The transaction is recorded; fall through to the threshold
		// re-check in case this deposit completes an underpaid order.
	default:
		return err
	}

	// The sighting may already carry enough confirmations.
	return s.ConfirmationUpdate(ctx, orderID, txHash, confirmations)
}

// ConfirmationUpdate records a new confirmation count for a tracked
// transaction and confirms the order once the threshold and the locked
// amount are both met. Replays converge to the same final state.
func (s *Service) ConfirmationUpdate(ctx context.Context, orderID, txHash string, confirmations uint64) error {
	ctx, span := traces.StartSpan(ctx, "order.confirmation_update",
		traces.OrderID(orderID), traces.TxHash(txHash))
	defer span.End()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}

	tx, err := s.store.GetTransaction(ctx, txHash)
	if err != nil {
		return err
	}
	if confirmations != tx.Confirmations {
		tx.Confirmations = confirmations
		if err := s.upsertTransaction(ctx, tx); err != nil {
			return err
		}
	}

	if o.Status != StatusPaymentReceived {
		return nil
	}

	threshold, ok := s.cfg.Thresholds[o.Currency]
	if !ok {
		return fmt.Errorf("no confirmation threshold for currency %s", o.Currency)
	}

	covered, err := s.confirmedDepositsCover(ctx, o, threshold)
	if err != nil {
		return err
	}
	if !covered {
		return nil
	}

	return s.confirm(ctx, o)
}

// confirmedDepositsCover sums deposits that have reached the threshold
// and checks the total against the locked amount. Underpaid orders stay
// in payment_received; each new transaction re-runs this check.
func (s *Service) confirmedDepositsCover(ctx context.Context, o *Order, threshold uint64) (bool, error) {
	txs, err := s.store.ListTransactions(ctx, o.ID)
	if err != nil {
		return false, err
	}

	total := "0"
	for _, tx := range txs {
		if tx.Confirmations < threshold {
			continue
		}
		if total, err = money.Add(total, tx.Amount); err != nil {
			return false, fmt.Errorf("sum deposits: %w", err)
		}
	}

	cmp, err := money.Cmp(total, o.CryptoAmount)
	if err != nil {
		return false, err
	}
	return cmp >= 0, nil
}

// confirm runs the three-step confirmed transition: subscription,
// escrow hold, then the status CAS. Each step tolerates its own replay,
// so a crash mid-sequence is healed by the next confirmation event.
func (s *Service) confirm(ctx context.Context, o *Order) error {
	l, err := s.listings.Get(ctx, o.ListingID)
	if err != nil {
		return fmt.Errorf("look up listing for term: %w", err)
	}

	now := time.Now()
	sub := &subscription.Subscription{
		ID:         idgen.WithPrefix("sub_"),
		OrderID:    o.ID,
		ListingID:  o.ListingID,
		BuyerID:    o.BuyerID,
		MerchantID: o.MerchantID,
		StartsAt:   now,
		EndsAt:     now.Add(l.Duration()),
		CreatedAt:  now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		if !errors.Is(err, subscription.ErrAlreadyExists) {
			return fmt.Errorf("create subscription: %w", err)
		}
		if sub, err = s.subs.GetByOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("load existing subscription: %w", err)
		}
	}

	_, err = s.ledger.Hold(ctx, escrow.HoldRequest{
		OrderID:        o.ID,
		SubscriptionID: sub.ID,
		MerchantID:     o.MerchantID,
		Currency:       o.Currency,
		Amount:         o.CryptoAmount,
		FeePct:         s.cfg.PlatformFeePct,
	})
	if err != nil && !errors.Is(err, escrow.ErrAlreadyHeld) {
		return fmt.Errorf("open escrow hold: %w", err)
	}

	confirmed, err := s.store.UpdateStatus(ctx, o.ID, StatusPaymentReceived, StatusConfirmed, now)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil
		}
		return err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.logger.Info("order confirmed",
		"orderId", o.ID,
		"subscriptionId", sub.ID,
		"merchant", o.MerchantID,
		"amount", o.CryptoAmount,
		"termEndsAt", sub.EndsAt,
	)
	s.publish("order.confirmed", confirmed)
	return nil
}

// upsertTransaction applies the monotonic-confirmations upsert, turning
// a regression into a logged anomaly instead of an error for the caller.
func (s *Service) upsertTransaction(ctx context.Context, tx *Transaction) error {
	err := s.store.UpsertTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConfirmationRegressed) {
		metrics.ConfirmationAnomaliesTotal.WithLabelValues(tx.Currency).Inc()
		s.logger.Error("confirmation count regressed, possible chain reorganization",
			"txHash", tx.Hash,
			"orderId", tx.OrderID,
			"reported", tx.Confirmations,
		)
		return nil
	}
	return err
}

func (s *Service) publish(eventType string, o *Order) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, map[string]any{
		"orderId":  o.ID,
		"status":   string(o.Status),
		"currency": o.Currency,
		"amount":   o.CryptoAmount,
	})
}
