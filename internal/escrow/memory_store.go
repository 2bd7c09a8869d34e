package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/coinsub/coinsub/internal/money"
	"github.com/coinsub/coinsub/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	entries  map[string]*Entry
	byOrder  map[string]string             // orderID -> entry ID
	balances map[string]map[string]*Balance // merchantID -> currency -> balance
	mu       sync.RWMutex
	balMu    syncutil.ShardedMutex // serializes balance mutation per (merchant, currency)
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		byOrder:  make(map[string]string),
		balances: make(map[string]map[string]*Balance),
	}
}

func (m *MemoryStore) CreateHold(ctx context.Context, e *Entry) error {
	unlock := m.balMu.Lock(e.MerchantID + "|" + e.Currency)
	defer unlock()

	m.mu.Lock()
	if _, ok := m.byOrder[e.OrderID]; ok {
		m.mu.Unlock()
		return ErrAlreadyHeld
	}
	cp := *e
	m.entries[e.ID] = &cp
	m.byOrder[e.OrderID] = e.ID
	m.mu.Unlock()

	return m.applyDelta(e.MerchantID, e.Currency, func(b *Balance) error {
		pending, err := money.Add(b.Pending, e.MerchantAmount)
		if err != nil {
			return err
		}
		b.Pending = pending
		return nil
	})
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *m.entries[id]
	return &cp, nil
}

func (m *MemoryStore) ListHeld(ctx context.Context, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Entry
	for _, e := range m.entries {
		if e.Status == StatusHeld {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Settle(ctx context.Context, id string, to Status, refundAmount string, now time.Time) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEntryNotFound
	}

	unlock := m.balMu.Lock(e.MerchantID + "|" + e.Currency)
	defer unlock()

	// Re-check under the balance lock: the guard is the held status.
	m.mu.Lock()
	e, ok = m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrEntryNotFound
	}
	if e.Status != StatusHeld {
		m.mu.Unlock()
		return nil, ErrNotHeld
	}
	e.Status = to
	e.RefundAmount = refundAmount
	settled := now
	e.SettledAt = &settled
	e.UpdatedAt = now
	cp := *e
	m.mu.Unlock()

	err := m.applyDelta(e.MerchantID, e.Currency, func(b *Balance) error {
		pending, err := money.Sub(b.Pending, e.MerchantAmount)
		if err != nil {
			return err
		}
		b.Pending = pending
		if to == StatusReleased {
			if b.Available, err = money.Add(b.Available, e.MerchantAmount); err != nil {
				return err
			}
			if b.TotalEarned, err = money.Add(b.TotalEarned, e.MerchantAmount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, merchantID, currency string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byCur, ok := m.balances[merchantID]; ok {
		if b, ok := byCur[currency]; ok {
			cp := *b
			return &cp, nil
		}
	}
	return zeroBalance(merchantID, currency), nil
}

func (m *MemoryStore) ListBalances(ctx context.Context, merchantID string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Balance
	for _, b := range m.balances[merchantID] {
		cp := *b
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, merchantID, currency, amount string, now time.Time) (*Balance, error) {
	unlock := m.balMu.Lock(merchantID + "|" + currency)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	byCur, ok := m.balances[merchantID]
	if !ok {
		return nil, ErrInsufficientAvailable
	}
	b, ok := byCur[currency]
	if !ok {
		return nil, ErrInsufficientAvailable
	}

	cmp, err := money.Cmp(b.Available, amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if cmp < 0 {
		return nil, ErrInsufficientAvailable
	}

	if b.Available, err = money.Sub(b.Available, amount); err != nil {
		return nil, err
	}
	if b.TotalWithdrawn, err = money.Add(b.TotalWithdrawn, amount); err != nil {
		return nil, err
	}
	b.UpdatedAt = now
	cp := *b
	return &cp, nil
}

// applyDelta mutates a balance row, creating it on first touch.
// Caller must hold the sharded balance lock for the pair.
func (m *MemoryStore) applyDelta(merchantID, currency string, fn func(*Balance) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCur, ok := m.balances[merchantID]
	if !ok {
		byCur = make(map[string]*Balance)
		m.balances[merchantID] = byCur
	}
	b, ok := byCur[currency]
	if !ok {
		b = zeroBalance(merchantID, currency)
		byCur[currency] = b
	}
	if err := fn(b); err != nil {
		return err
	}
	b.UpdatedAt = time.Now()
	return nil
}

func zeroBalance(merchantID, currency string) *Balance {
	return &Balance{
		MerchantID:     merchantID,
		Currency:       currency,
		Available:      "0.00000000",
		Pending:        "0.00000000",
		TotalEarned:    "0.00000000",
		TotalWithdrawn: "0.00000000",
		UpdatedAt:      time.Now(),
	}
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
