package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSub(id, orderID string, start time.Time) *Subscription {
	return &Subscription{
		ID:         id,
		OrderID:    orderID,
		ListingID:  "lst_0123456789abcdef01234567",
		BuyerID:    "buyer1",
		MerchantID: "mer_0123456789abcdef01234567",
		StartsAt:   start,
		EndsAt:     start.Add(30 * 24 * time.Hour),
		CreatedAt:  start,
	}
}

func TestCreateIsUniquePerOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, testSub("sub_1", "ord_1", now)))

	// A replayed confirm transition must not mint a second term.
	err := store.Create(ctx, testSub("sub_2", "ord_1", now))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := store.GetByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", got.ID)
}

func TestActiveWindow(t *testing.T) {
	now := time.Now()
	sub := testSub("sub_1", "ord_1", now)

	assert.True(t, sub.Active(now))
	assert.True(t, sub.Active(now.Add(29*24*time.Hour)))
	assert.False(t, sub.Active(now.Add(-time.Second)))
	assert.False(t, sub.Active(sub.EndsAt))
}

func TestTermEnd(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	now := time.Now()

	sub := testSub("sub_1", "ord_1", now)
	require.NoError(t, store.Create(ctx, sub))

	end, err := svc.TermEnd(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, sub.EndsAt, end)

	_, err = svc.TermEnd(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByBuyer(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, testSub("sub_1", "ord_1", now.Add(-time.Hour))))
	require.NoError(t, store.Create(ctx, testSub("sub_2", "ord_2", now)))

	subs, err := svc.ListByBuyer(ctx, "buyer1", 10)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub_2", subs[0].ID)
}
