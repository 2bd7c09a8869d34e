package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coinsub/coinsub/internal/metrics"
)

// Timer periodically expires pending_payment orders whose deadline has
// passed. Nothing was held for them, so there is no ledger effect.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastTick atomic.Int64
}

// NewTimer creates a new order expiry timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
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

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpireStale(ctx)
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

func (t *Timer) safeExpireStale(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in order expiry timer", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	t.expireStale(ctx)
	metrics.SweepDuration.WithLabelValues("order_expiry").Observe(time.Since(start).Seconds())
}

func (t *Timer) expireStale(ctx context.Context) {
	stale, err := t.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired orders", "error", err)
		return
	}

	for _, o := range stale {
		if _, err := t.service.Expire(ctx, o.ID); err != nil {
			// ErrStatusConflict means a deposit landed between the list
			// and the guard; the order is no longer stale.
			if !errors.Is(err, ErrStatusConflict) {
				t.logger.Warn("failed to expire order", "orderId", o.ID, "error", err)
			}
			continue
		}
	}
}
