package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsub/coinsub/internal/escrow"
)

func testResolver(t *testing.T) (*Resolver, *escrow.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), logger)
	return NewResolver(NewMemoryStore(), ledger, logger), ledger
}

func openHold(t *testing.T, ledger *escrow.Ledger, orderID string) *escrow.Entry {
	t.Helper()
	entry, err := ledger.Hold(context.Background(), escrow.HoldRequest{
		OrderID:        orderID,
		SubscriptionID: "sub_0123456789abcdef01234567",
		MerchantID:     "mer_0123456789abcdef01234567",
		Currency:       "USDC_BASE",
		Amount:         "0.01250000",
		FeePct:         10,
	})
	require.NoError(t, err)
	return entry
}

func TestOpenRequiresHeldEscrow(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()

	_, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	assert.ErrorIs(t, err, ErrNoActiveEscrow)

	entry := openHold(t, ledger, "ord_1")
	_, err = ledger.Release(ctx, entry.ID)
	require.NoError(t, err)

	// Settled escrow can no longer be disputed.
	_, err = resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	assert.ErrorIs(t, err, ErrNoActiveEscrow)
}

func TestOpenBlocksSecondActiveDispute(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)

	_, err = resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "still not delivered"})
	assert.ErrorIs(t, err, ErrDisputeOpen)

	blocked, err := resolver.HasBlocking(ctx, "ord_1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestResolveFullRefund(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	entry := openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	require.NoError(t, err)

	resolved, err := resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeFullRefund, Resolution: "merchant unreachable"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, OutcomeFullRefund, resolved.Outcome)
	assert.Equal(t, entry.Amount, resolved.RefundAmount)

	got, err := ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)

	blocked, err := resolver.HasBlocking(ctx, "ord_1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestResolvePartialRefund(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	entry := openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "service degraded"})
	require.NoError(t, err)

	resolved, err := resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomePartialRefund, RefundAmount: "0.00500000"})
	require.NoError(t, err)
	assert.Equal(t, "0.00500000", resolved.RefundAmount)

	got, err := ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)
}

func TestResolveRelease(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	entry := openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "frivolous"})
	require.NoError(t, err)
	_, err = resolver.StartReview(ctx, d.ID)
	require.NoError(t, err)

	resolved, err := resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeRelease, Resolution: "service was delivered"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)

	// The entry stays held. The release timer credits the merchant once
	// the term elapses, not the resolution itself.
	got, err := ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)

	blocked, err := resolver.HasBlocking(ctx, "ord_1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRejectLeavesEscrowHeld(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	entry := openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "changed my mind"})
	require.NoError(t, err)

	rejected, err := resolver.Reject(ctx, d.ID, "no grounds")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)

	got, err := ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)

	// The hold no longer blocks the release timer.
	blocked, err := resolver.HasBlocking(ctx, "ord_1")
	require.NoError(t, err)
	assert.False(t, blocked)

	// A new dispute can be filed after rejection.
	_, err = resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "second attempt"})
	require.NoError(t, err)
}

func TestResolveClosedDispute(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeFullRefund})
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeRelease})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStartReviewGuard(t *testing.T) {
	resolver, ledger := testResolver(t)
	ctx := context.Background()
	openHold(t, ledger, "ord_1")

	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	require.NoError(t, err)

	_, err = resolver.StartReview(ctx, d.ID)
	require.NoError(t, err)

	// Review is not re-entrant.
	_, err = resolver.StartReview(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = resolver.StartReview(ctx, "dsp_missing")
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

// flakyCloseStore fails the first Close call, simulating a crash between
// the escrow settlement and the dispute close write.
type flakyCloseStore struct {
	Store
	failures int
}

func (s *flakyCloseStore) Close(ctx context.Context, id string, to Status, outcome Outcome, refundAmount, resolution string, now time.Time) (*Dispute, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("write failed")
	}
	return s.Store.Close(ctx, id, to, outcome, refundAmount, resolution, now)
}

func TestResolveRetryAfterCloseFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), logger)
	store := &flakyCloseStore{Store: NewMemoryStore(), failures: 1}
	resolver := NewResolver(store, ledger, logger)
	ctx := context.Background()

	entry := openHold(t, ledger, "ord_1")
	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "not delivered"})
	require.NoError(t, err)

	// First attempt: the refund commits, then the close write fails.
	_, err = resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeFullRefund})
	require.Error(t, err)

	got, err := ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, got.Status)

	// The retry finds the entry already refunded and finishes the close.
	resolved, err := resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomeFullRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, entry.Amount, resolved.RefundAmount)

	blocked, err := resolver.HasBlocking(ctx, "ord_1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestResolveRetryRejectsMismatchedOutcome(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), logger)
	store := &flakyCloseStore{Store: NewMemoryStore(), failures: 1}
	resolver := NewResolver(store, ledger, logger)
	ctx := context.Background()

	openHold(t, ledger, "ord_1")
	d, err := resolver.Open(ctx, OpenRequest{OrderID: "ord_1", BuyerID: "buyer1", Reason: "service degraded"})
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomePartialRefund, RefundAmount: "0.00500000"})
	require.Error(t, err)

	// A retry with a different refund amount does not match the settled
	// entry and must not close the dispute.
	_, err = resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomePartialRefund, RefundAmount: "0.00600000"})
	assert.ErrorIs(t, err, escrow.ErrNotHeld)

	resolved, err := resolver.Resolve(ctx, d.ID, ResolveRequest{Outcome: OutcomePartialRefund, RefundAmount: "0.00500000"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
}
