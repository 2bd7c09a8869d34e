package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coinsub/coinsub/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders    map[string]*Order
	txs       map[string]*Transaction // keyed by hash
	byAddress map[string]string       // currency|address -> order ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		txs:       make(map[string]*Transaction),
		byAddress: make(map[string]string),
	}
}

func addrKey(currency, address string) string {
	return currency + "|" + address
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := addrKey(o.Currency, o.DepositAddress)
	if existingID, ok := m.byAddress[key]; ok {
		if existing := m.orders[existingID]; existing != nil && !existing.Status.Terminal() {
			return ErrAddressInUse
		}
	}

	cp := *o
	m.orders[o.ID] = &cp
	m.byAddress[key] = o.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int, cursor *pagination.Cursor) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Order
	for _, o := range m.orders {
		if o.BuyerID != buyerID {
			continue
		}
		if cursor != nil {
			if o.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if o.CreatedAt.Equal(cursor.CreatedAt) && o.ID >= cursor.ID {
				continue
			}
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != from {
		return nil, ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = now
	if to == StatusConfirmed {
		confirmed := now
		o.ConfirmedAt = &confirmed
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusPendingPayment && now.After(o.ExpiresAt) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) OpenAddresses(ctx context.Context, currency string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]string)
	for _, o := range m.orders {
		if o.Currency == currency && !o.Status.Terminal() {
			result[o.DepositAddress] = o.ID
		}
	}
	return result, nil
}

func (m *MemoryStore) UpsertTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.txs[tx.Hash]
	if !ok {
		cp := *tx
		m.txs[tx.Hash] = &cp
		return nil
	}
	if tx.Confirmations < existing.Confirmations {
		return ErrConfirmationRegressed
	}
	existing.Confirmations = tx.Confirmations
	if tx.ConfirmedAt != nil && existing.ConfirmedAt == nil {
		t := *tx.ConfirmedAt
		existing.ConfirmedAt = &t
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[hash]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Transaction
	for _, tx := range m.txs {
		if tx.OrderID == orderID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})
	return result, nil
}

func (m *MemoryStore) PendingTransactions(ctx context.Context, currency string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]string)
	for _, tx := range m.txs {
		if tx.Currency != currency {
			continue
		}
		o, ok := m.orders[tx.OrderID]
		if !ok || o.Status.Terminal() {
			continue
		}
		result[tx.Hash] = tx.OrderID
	}
	return result, nil
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
