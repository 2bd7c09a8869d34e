package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	byOrder  map[string][]string // orderID -> dispute IDs
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.byOrder[d.OrderID] {
		if m.disputes[id].Active() {
			return ErrDisputeOpen
		}
	}

	cp := *d
	m.disputes[d.ID] = &cp
	m.byOrder[d.OrderID] = append(m.byOrder[d.OrderID], d.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Dispute
	for _, id := range m.byOrder[orderID] {
		cp := *m.disputes[id]
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) StartReview(ctx context.Context, id string, now time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return nil, ErrNotActive
	}
	d.Status = StatusUnderReview
	d.UpdatedAt = now
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Close(ctx context.Context, id string, to Status, outcome Outcome, refundAmount, resolution string, now time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if !d.Active() {
		return nil, ErrNotActive
	}
	d.Status = to
	d.Outcome = outcome
	d.RefundAmount = refundAmount
	d.Resolution = resolution
	resolved := now
	d.ResolvedAt = &resolved
	d.UpdatedAt = now
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) HasActive(ctx context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byOrder[orderID] {
		if m.disputes[id].Active() {
			return true, nil
		}
	}
	return false, nil
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
