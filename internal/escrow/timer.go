package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coinsub/coinsub/internal/metrics"
)

// TermSource reports when the subscription term backing an order ends.
type TermSource interface {
	TermEnd(ctx context.Context, orderID string) (time.Time, error)
}

// DisputeGuard reports whether an open dispute blocks settlement of an order.
type DisputeGuard interface {
	HasBlocking(ctx context.Context, orderID string) (bool, error)
}

// Timer periodically releases held entries whose subscription term has
// elapsed, unless a dispute is blocking the order.
type Timer struct {
	ledger   *Ledger
	store    Store
	terms    TermSource
	disputes DisputeGuard
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastTick atomic.Int64
}

// NewTimer creates a new escrow release timer.
func NewTimer(ledger *Ledger, store Store, terms TermSource, disputes DisputeGuard, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		ledger:   ledger,
		store:    store,
		terms:    terms,
		disputes: disputes,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastTick returns the time of the most recent completed sweep.
func (t *Timer) LastTick() time.Time {
	return time.Unix(0, t.lastTick.Load())
}

// Start begins the release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseMatured(ctx)
			t.lastTick.Store(time.Now().UnixNano())
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseMatured(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	t.releaseMatured(ctx)
	metrics.SweepDuration.WithLabelValues("escrow_release").Observe(time.Since(start).Seconds())
}

func (t *Timer) releaseMatured(ctx context.Context) {
	now := time.Now()

	held, err := t.store.ListHeld(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list held escrow entries", "error", err)
		return
	}

	for _, entry := range held {
		end, err := t.terms.TermEnd(ctx, entry.OrderID)
		if err != nil {
			t.logger.Warn("failed to look up subscription term",
				"escrowId", entry.ID, "orderId", entry.OrderID, "error", err)
			continue
		}
		if now.Before(end) {
			continue
		}

		blocked, err := t.disputes.HasBlocking(ctx, entry.OrderID)
		if err != nil {
			t.logger.Warn("failed to check dispute status",
				"escrowId", entry.ID, "orderId", entry.OrderID, "error", err)
			continue
		}
		if blocked {
			t.logger.Debug("skipping held entry, dispute open",
				"escrowId", entry.ID, "orderId", entry.OrderID)
			continue
		}

		if _, err := t.ledger.Release(ctx, entry.ID); err != nil {
			// ErrNotHeld means a dispute resolution raced us; that is fine.
			if err != ErrNotHeld {
				t.logger.Warn("failed to release escrow entry",
					"escrowId", entry.ID, "orderId", entry.OrderID, "error", err)
			}
			continue
		}
		t.logger.Info("released matured escrow entry",
			"escrowId", entry.ID,
			"orderId", entry.OrderID,
			"merchantId", entry.MerchantID,
			"amount", entry.MerchantAmount,
			"currency", entry.Currency,
		)
	}
}
