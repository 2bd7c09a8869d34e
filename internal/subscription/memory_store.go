package subscription

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs    map[string]*Subscription
	byOrder map[string]string // orderID -> subscription ID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]*Subscription),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[sub.OrderID]; ok {
		return ErrAlreadyExists
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	m.byOrder[sub.OrderID] = sub.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, s := range m.subs {
		if s.BuyerID == buyerID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
