// Package watcher polls chain nodes for deposits to engine-assigned
// addresses and reports observation facts into the order lifecycle.
//
// One watcher runs per tracked currency, each with its own durable
// checkpoint. The watcher never mutates order state directly: it calls
// the settlement sink, whose transitions are guarded, so a replayed
// range is harmless.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coinsub/coinsub/internal/circuitbreaker"
	"github.com/coinsub/coinsub/internal/metrics"
)

// maxBlockRange caps how many blocks one tick processes, bounding RPC
// load after downtime. The remainder is picked up next tick.
const maxBlockRange = 1000

// SettlementSink consumes chain observation facts.
type SettlementSink interface {
	// OpenAddresses maps deposit address → order ID for open orders of
	// the currency.
	OpenAddresses(ctx context.Context, currency string) (map[string]string, error)
	// PendingTransactions maps tx hash → order ID for deposits still
	// awaiting their confirmation threshold.
	PendingTransactions(ctx context.Context, currency string) (map[string]string, error)
	DepositObserved(ctx context.Context, orderID, txHash, from, to, amount string, confirmations uint64) error
	ConfirmationUpdate(ctx context.Context, orderID, txHash string, confirmations uint64) error
}

// Config for a single currency's watcher.
type Config struct {
	Currency    string
	Interval    time.Duration
	CallTimeout time.Duration
}

// Watcher is one currency's polling loop.
type Watcher struct {
	cfg         Config
	client      ChainClient
	sink        SettlementSink
	checkpoints CheckpointStore
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	stop        chan struct{}
	done        chan struct{}
	running     atomic.Bool
	lastTick    atomic.Int64
}

// New creates a watcher for one currency.
func New(cfg Config, client ChainClient, sink SettlementSink, checkpoints CheckpointStore, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Watcher {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Watcher{
		cfg:         cfg,
		client:      client,
		sink:        sink,
		checkpoints: checkpoints,
		breaker:     breaker,
		logger:      logger.With("currency", cfg.Currency),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// LastTick returns the time of the most recent completed poll.
func (w *Watcher) LastTick() time.Time {
	return time.Unix(0, w.lastTick.Load())
}

// Start begins the poll loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	w.logger.Info("chain watcher started", "interval", w.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-time.After(w.jitteredInterval()):
			w.safeTick(ctx)
			w.lastTick.Store(time.Now().UnixNano())
		}
	}
}

// Stop signals the watcher to stop and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// jitteredInterval spreads ticks so multiple watchers do not align
// their RPC bursts.
func (w *Watcher) jitteredInterval() time.Duration {
	spread := int64(w.cfg.Interval) / 10
	if spread <= 0 {
		return w.cfg.Interval
	}
	return w.cfg.Interval + time.Duration(rand.Int63n(spread))
}

func (w *Watcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in chain watcher", "panic", fmt.Sprint(r))
		}
	}()

	if !w.breaker.Allow(w.cfg.Currency) {
		w.logger.Debug("chain watcher circuit open, skipping tick")
		return
	}

	if err := w.tick(ctx); err != nil {
		w.breaker.RecordFailure(w.cfg.Currency)
		metrics.WatcherErrorsTotal.WithLabelValues(w.cfg.Currency).Inc()
		w.logger.Warn("chain watcher tick failed", "error", err)
		return
	}
	w.breaker.RecordSuccess(w.cfg.Currency)
}

// tick processes one poll: scan new blocks for deposits, refresh
// confirmation counts for pending transactions, then advance the
// checkpoint. Any error aborts before the checkpoint moves, so the
// same range is retried next tick.
func (w *Watcher) tick(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	height, err := w.client.CurrentHeight(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("current height: %w", err)
	}
	metrics.WatcherHeight.WithLabelValues(w.cfg.Currency).Set(float64(height))

	checkpoint, err := w.checkpoints.Get(ctx, w.cfg.Currency)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint == 0 {
		// First run: start at the tip, history is not replayed.
		if err := w.checkpoints.Set(ctx, w.cfg.Currency, height); err != nil {
			return fmt.Errorf("initialize checkpoint: %w", err)
		}
		w.logger.Info("checkpoint initialized", "height", height)
		return nil
	}

	if err := w.refreshPending(ctx, height); err != nil {
		return err
	}

	if height <= checkpoint {
		return nil
	}
	to := height
	if to-checkpoint > maxBlockRange {
		to = checkpoint + maxBlockRange
	}

	if err := w.scanRange(ctx, checkpoint+1, to, height); err != nil {
		return err
	}

	if err := w.checkpoints.Set(ctx, w.cfg.Currency, to); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// scanRange reports every deposit to a watched address in [from, to].
func (w *Watcher) scanRange(ctx context.Context, from, to, height uint64) error {
	addresses, err := w.sink.OpenAddresses(ctx, w.cfg.Currency)
	if err != nil {
		return fmt.Errorf("open addresses: %w", err)
	}
	if len(addresses) == 0 {
		return nil
	}

	addrList := make([]string, 0, len(addresses))
	byAddr := make(map[string]string, len(addresses))
	for addr, orderID := range addresses {
		addrList = append(addrList, addr)
		byAddr[normalizeAddr(addr)] = orderID
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	deposits, err := w.client.DepositsInRange(callCtx, addrList, from, to)
	cancel()
	if err != nil {
		return fmt.Errorf("deposits in range [%d, %d]: %w", from, to, err)
	}

	for _, d := range deposits {
		orderID, ok := byAddr[normalizeAddr(d.To)]
		if !ok {
			continue
		}
		confirmations := uint64(0)
		if height >= d.BlockNumber {
			confirmations = height - d.BlockNumber + 1
		}
		if err := w.sink.DepositObserved(ctx, orderID, d.TxHash, d.From, d.To, d.Amount, confirmations); err != nil {
			return fmt.Errorf("report deposit %s: %w", d.TxHash, err)
		}
		w.logger.Info("deposit reported",
			"orderId", orderID,
			"txHash", d.TxHash,
			"amount", d.Amount,
			"confirmations", confirmations,
		)
	}
	return nil
}

// refreshPending re-queries confirmation depth for tracked transactions
// whose orders have not reached a terminal state.
func (w *Watcher) refreshPending(ctx context.Context, height uint64) error {
	pending, err := w.sink.PendingTransactions(ctx, w.cfg.Currency)
	if err != nil {
		return fmt.Errorf("pending transactions: %w", err)
	}

	for hash, orderID := range pending {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		confirmations, err := w.client.ConfirmationCount(callCtx, hash)
		cancel()
		if err != nil {
			return fmt.Errorf("confirmation count for %s: %w", hash, err)
		}
		if err := w.sink.ConfirmationUpdate(ctx, orderID, hash, confirmations); err != nil {
			return fmt.Errorf("report confirmations for %s: %w", hash, err)
		}
	}
	return nil
}

func normalizeAddr(addr string) string {
	return strings.ToLower(addr)
}
