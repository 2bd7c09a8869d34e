package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsub/coinsub/internal/circuitbreaker"
)

type mockClient struct {
	height    uint64
	heightErr error
	deposits  []Deposit
	confs     map[string]uint64

	rangeCalls [][2]uint64
}

func (m *mockClient) CurrentHeight(ctx context.Context) (uint64, error) {
	return m.height, m.heightErr
}

func (m *mockClient) DepositsInRange(ctx context.Context, addresses []string, from, to uint64) ([]Deposit, error) {
	m.rangeCalls = append(m.rangeCalls, [2]uint64{from, to})
	var result []Deposit
	for _, d := range m.deposits {
		if d.BlockNumber >= from && d.BlockNumber <= to {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *mockClient) ConfirmationCount(ctx context.Context, txHash string) (uint64, error) {
	return m.confs[txHash], nil
}

func (m *mockClient) Close() {}

type observed struct {
	orderID, txHash, amount string
	confirmations           uint64
}

type mockSink struct {
	addresses  map[string]string
	pending    map[string]string
	deposits   []observed
	updates    []observed
	depositErr error
}

func (m *mockSink) OpenAddresses(ctx context.Context, currency string) (map[string]string, error) {
	return m.addresses, nil
}

func (m *mockSink) PendingTransactions(ctx context.Context, currency string) (map[string]string, error) {
	return m.pending, nil
}

func (m *mockSink) DepositObserved(ctx context.Context, orderID, txHash, from, to, amount string, confirmations uint64) error {
	if m.depositErr != nil {
		return m.depositErr
	}
	m.deposits = append(m.deposits, observed{orderID, txHash, amount, confirmations})
	return nil
}

func (m *mockSink) ConfirmationUpdate(ctx context.Context, orderID, txHash string, confirmations uint64) error {
	m.updates = append(m.updates, observed{orderID: orderID, txHash: txHash, confirmations: confirmations})
	return nil
}

func testWatcher(client ChainClient, sink SettlementSink, checkpoints CheckpointStore) *Watcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breaker := circuitbreaker.New(5, time.Minute)
	return New(Config{Currency: "USDT_BEP20", Interval: time.Second}, client, sink, checkpoints, breaker, logger)
}

func TestFirstTickInitializesCheckpoint(t *testing.T) {
	client := &mockClient{height: 500}
	sink := &mockSink{}
	checkpoints := NewMemoryCheckpoints()
	w := testWatcher(client, sink, checkpoints)

	require.NoError(t, w.tick(context.Background()))

	cp, err := checkpoints.Get(context.Background(), "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), cp)
	// History before the start point is never scanned.
	assert.Empty(t, client.rangeCalls)
	assert.Empty(t, sink.deposits)
}

func TestDepositsReportedAndCheckpointAdvanced(t *testing.T) {
	client := &mockClient{
		height: 110,
		deposits: []Deposit{
			{TxHash: "0xtx1", From: "0xbuyer", To: "0xAbC", Amount: "50.00000000", BlockNumber: 105},
			{TxHash: "0xother", From: "0xbuyer", To: "0xunknown", Amount: "1.00000000", BlockNumber: 106},
		},
	}
	sink := &mockSink{addresses: map[string]string{"0xabc": "ord_1"}}
	checkpoints := NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Set(context.Background(), "USDT_BEP20", 100))
	w := testWatcher(client, sink, checkpoints)

	require.NoError(t, w.tick(context.Background()))

	require.Len(t, sink.deposits, 1)
	assert.Equal(t, "ord_1", sink.deposits[0].orderID)
	assert.Equal(t, "0xtx1", sink.deposits[0].txHash)
	// height 110, mined at 105: six confirmations.
	assert.Equal(t, uint64(6), sink.deposits[0].confirmations)

	cp, err := checkpoints.Get(context.Background(), "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, uint64(110), cp)
	assert.Equal(t, [][2]uint64{{101, 110}}, client.rangeCalls)
}

func TestCheckpointHeldBackOnSinkError(t *testing.T) {
	client := &mockClient{
		height:   110,
		deposits: []Deposit{{TxHash: "0xtx1", From: "0xbuyer", To: "0xabc", Amount: "50.00000000", BlockNumber: 105}},
	}
	sink := &mockSink{
		addresses:  map[string]string{"0xabc": "ord_1"},
		depositErr: errors.New("storage unavailable"),
	}
	checkpoints := NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Set(context.Background(), "USDT_BEP20", 100))
	w := testWatcher(client, sink, checkpoints)

	require.Error(t, w.tick(context.Background()))

	// The range is retried from the same checkpoint next tick.
	cp, err := checkpoints.Get(context.Background(), "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)

	sink.depositErr = nil
	require.NoError(t, w.tick(context.Background()))
	require.Len(t, sink.deposits, 1)
}

func TestPendingConfirmationsRefreshed(t *testing.T) {
	client := &mockClient{
		height: 200,
		confs:  map[string]uint64{"0xtx1": 12},
	}
	sink := &mockSink{pending: map[string]string{"0xtx1": "ord_1"}}
	checkpoints := NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Set(context.Background(), "USDT_BEP20", 200))
	w := testWatcher(client, sink, checkpoints)

	require.NoError(t, w.tick(context.Background()))

	require.Len(t, sink.updates, 1)
	assert.Equal(t, observed{orderID: "ord_1", txHash: "0xtx1", confirmations: 12}, sink.updates[0])
}

func TestLargeRangeIsCapped(t *testing.T) {
	client := &mockClient{height: 10_000}
	sink := &mockSink{addresses: map[string]string{"0xabc": "ord_1"}}
	checkpoints := NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Set(context.Background(), "USDT_BEP20", 100))
	w := testWatcher(client, sink, checkpoints)

	require.NoError(t, w.tick(context.Background()))

	cp, err := checkpoints.Get(context.Background(), "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, uint64(100+maxBlockRange), cp)
	assert.Equal(t, [][2]uint64{{101, 100 + maxBlockRange}}, client.rangeCalls)
}

func TestBreakerSkipsTicksWhileOpen(t *testing.T) {
	client := &mockClient{heightErr: errors.New("node unreachable")}
	sink := &mockSink{}
	checkpoints := NewMemoryCheckpoints()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breaker := circuitbreaker.New(2, time.Minute)
	w := New(Config{Currency: "USDT_BEP20", Interval: time.Second}, client, sink, checkpoints, breaker, logger)

	ctx := context.Background()
	w.safeTick(ctx)
	w.safeTick(ctx)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("USDT_BEP20"))

	// With the circuit open the node is not called at all.
	client.heightErr = nil
	client.height = 50
	w.safeTick(ctx)
	cp, err := checkpoints.Get(ctx, "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
}

func TestFormatUnits(t *testing.T) {
	// 1 token at 18 decimals.
	v, ok := new(big.Int).SetString("1000000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "1.00000000", formatUnits(v, 18))

	// 12.5 USDC at 6 decimals.
	assert.Equal(t, "12.50000000", formatUnits(big.NewInt(12_500_000), 6))

	// Sub-representable dust truncates toward zero.
	assert.Equal(t, "0.00000000", formatUnits(big.NewInt(1), 18))

	assert.Equal(t, "0.00000000", formatUnits(nil, 18))
}

func TestJitteredIntervalTinyInterval(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breaker := circuitbreaker.New(5, time.Minute)

	// Intervals under 10ns leave no room for jitter; the loop must still
	// tick instead of panicking.
	for _, interval := range []time.Duration{1, 5, 9, 10 * time.Nanosecond} {
		w := New(Config{Currency: "USDT_BEP20", Interval: interval}, &mockClient{}, &mockSink{}, NewMemoryCheckpoints(), breaker, logger)
		got := w.jitteredInterval()
		if got < interval {
			t.Fatalf("jittered interval %v shorter than base %v", got, interval)
		}
	}
}
