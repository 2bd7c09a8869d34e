package order

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsub/coinsub/internal/escrow"
	"github.com/coinsub/coinsub/internal/listing"
	"github.com/coinsub/coinsub/internal/rates"
	"github.com/coinsub/coinsub/internal/subscription"
)

type seqAllocator struct {
	n int
}

func (a *seqAllocator) Allocate(_ context.Context, _ string) (string, error) {
	a.n++
	return fmt.Sprintf("0x%040x", a.n), nil
}

type fixture struct {
	service  *Service
	store    *MemoryStore
	ledger   *escrow.Ledger
	subs     subscription.Store
	listings *listing.Service
	listing  *listing.Listing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	listings := listing.NewService(listing.NewMemoryStore())
	l, err := listings.Create(context.Background(), listing.CreateRequest{
		MerchantID:   "mer_0123456789abcdef01234567",
		Title:        "Premium signals",
		FiatCents:    5000,
		DurationDays: 30,
	})
	require.NoError(t, err)

	ledger := escrow.NewLedger(escrow.NewMemoryStore(), logger)
	subs := subscription.NewMemoryStore()
	store := NewMemoryStore()

	svc := NewService(store, listings, rates.NewFixed(map[string]string{
		"USDT_BEP20": "1",
		"USDC_BASE":  "1",
	}), &seqAllocator{}, ledger, subs, Config{
		PlatformFeePct: 10,
		Expiry:         30 * time.Minute,
		Thresholds:     map[string]uint64{"USDT_BEP20": 15, "USDC_BASE": 12},
	}, logger)

	return &fixture{service: svc, store: store, ledger: ledger, subs: subs, listings: listings, listing: l}
}

func (f *fixture) createOrder(t *testing.T) *Order {
	t.Helper()
	o, err := f.service.Create(context.Background(), CreateRequest{
		BuyerID:   "buyer1",
		ListingID: f.listing.ID,
		Currency:  "USDT_BEP20",
	})
	require.NoError(t, err)
	return o
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.Equal(t, "50.00000000", o.CryptoAmount)
	assert.Equal(t, int64(5000), o.FiatCents)
	assert.NotEmpty(t, o.DepositAddress)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), o.ExpiresAt, time.Minute)
}

func TestCreateOrderInactiveListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.listings.SetActive(ctx, f.listing.ID, false)
	require.NoError(t, err)

	_, err = f.service.Create(ctx, CreateRequest{BuyerID: "buyer1", ListingID: f.listing.ID, Currency: "USDT_BEP20"})
	assert.ErrorIs(t, err, ErrListingUnavailable)

	_, err = f.service.Create(ctx, CreateRequest{BuyerID: "buyer1", ListingID: "lst_missing", Currency: "USDT_BEP20"})
	assert.ErrorIs(t, err, ErrListingUnavailable)
}

func TestCreateOrderRateUnavailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Create(context.Background(), CreateRequest{
		BuyerID: "buyer1", ListingID: f.listing.ID, Currency: "ETH",
	})
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestDepositThenConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	// First sighting with one confirmation: payment received, not confirmed.
	err := f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "50.00000000", 1)
	require.NoError(t, err)

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentReceived, got.Status)

	_, err = f.ledger.GetByOrder(ctx, o.ID)
	assert.ErrorIs(t, err, escrow.ErrEntryNotFound)

	// Threshold reached: confirmed, escrow held, subscription started.
	err = f.service.ConfirmationUpdate(ctx, o.ID, "0xtx1", 15)
	require.NoError(t, err)

	got, err = f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)

	entry, err := f.ledger.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, entry.Status)
	assert.Equal(t, "50.00000000", entry.Amount)
	assert.Equal(t, "5.00000000", entry.Fee)
	assert.Equal(t, "45.00000000", entry.MerchantAmount)

	sub, err := f.subs.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.SubscriptionID, sub.ID)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), sub.EndsAt, time.Minute)
}

func TestImmediateThresholdOnFirstSighting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	// A deposit discovered late may already be deeply confirmed.
	err := f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "50.00000000", 20)
	require.NoError(t, err)

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestConfirmationReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "50.00000000", 1))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.service.ConfirmationUpdate(ctx, o.ID, "0xtx1", 15))
	}

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	// One hold, one subscription, pending credited once.
	b, err := f.ledger.Balance(ctx, o.MerchantID, o.Currency)
	require.NoError(t, err)
	assert.Equal(t, "45.00000000", b.Pending)
}

func TestUnderpaymentWaitsForTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	// 30 of 50 arrives and fully confirms: still payment_received.
	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "30.00000000", 15))

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentReceived, got.Status)

	// Top-up covers the remainder; cumulative deposits confirm the order.
	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx2", "0xbuyer", o.DepositAddress, "20.00000000", 15))

	got, err = f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestUnconfirmedDepositsDoNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "30.00000000", 15))
	// Second deposit seen but below threshold: total confirmed is still 30.
	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx2", "0xbuyer", o.DepositAddress, "20.00000000", 3))

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentReceived, got.Status)

	require.NoError(t, f.service.ConfirmationUpdate(ctx, o.ID, "0xtx2", 15))
	got, err = f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestConfirmationRegressionIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "50.00000000", 10))

	// A lower count is an anomaly: dropped, not applied, not fatal.
	require.NoError(t, f.service.ConfirmationUpdate(ctx, o.ID, "0xtx1", 4))

	tx, err := f.store.GetTransaction(ctx, "0xtx1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tx.Confirmations)
}

func TestExpiredOrderHasNoEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	// Force the deadline into the past and run the sweep body directly.
	f.store.mu.Lock()
	f.store.orders[o.ID].ExpiresAt = time.Now().Add(-time.Minute)
	f.store.mu.Unlock()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewTimer(f.service, f.store, time.Second, logger)
	timer.expireStale(ctx)

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = f.ledger.GetByOrder(ctx, o.ID)
	assert.ErrorIs(t, err, escrow.ErrEntryNotFound)
}

func TestDepositAfterTerminalIsRecordedButInert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	_, err := f.service.Cancel(ctx, o.ID)
	require.NoError(t, err)

	err = f.service.DepositObserved(ctx, o.ID, "0xlate", "0xbuyer", o.DepositAddress, "50.00000000", 20)
	require.NoError(t, err)

	got, err := f.service.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// The fact is still recorded for operators.
	tx, err := f.store.GetTransaction(ctx, "0xlate")
	require.NoError(t, err)
	assert.Equal(t, o.ID, tx.OrderID)
}

func TestCancelOnlyFromPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	require.NoError(t, f.service.DepositObserved(ctx, o.ID, "0xtx1", "0xbuyer", o.DepositAddress, "50.00000000", 1))

	_, err := f.service.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestOpenAddressesTracksOpenOrdersOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o1 := f.createOrder(t)
	o2 := f.createOrder(t)

	_, err := f.service.Cancel(ctx, o2.ID)
	require.NoError(t, err)

	addrs, err := f.service.OpenAddresses(ctx, "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{o1.DepositAddress: o1.ID}, addrs)
}

func TestListByBuyerPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	want := make(map[string]bool)
	for i := 0; i < 5; i++ {
		want[f.createOrder(t).ID] = true
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		orders, next, err := f.service.ListByBuyer(ctx, "buyer1", 2, cursor)
		require.NoError(t, err)
		pages++
		for _, o := range orders {
			require.False(t, seen[o.ID], "order repeated across pages")
			seen[o.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, want, seen)
}

func TestListByBuyerRejectsBadCursor(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.ListByBuyer(context.Background(), "buyer1", 10, "not-a-cursor")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
