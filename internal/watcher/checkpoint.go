package watcher

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// CheckpointStore persists each currency's last processed block height.
// The checkpoint only advances after a range has been fully processed,
// so delivery into the order lifecycle is at-least-once.
type CheckpointStore interface {
	// Get returns the checkpoint for a currency, or 0 if none exists.
	Get(ctx context.Context, currency string) (uint64, error)
	Set(ctx context.Context, currency string, height uint64) error
}

// MemoryCheckpoints is an in-memory checkpoint store for demo mode.
type MemoryCheckpoints struct {
	heights map[string]uint64
	mu      sync.RWMutex
}

// NewMemoryCheckpoints creates an in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{heights: make(map[string]uint64)}
}

func (m *MemoryCheckpoints) Get(ctx context.Context, currency string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heights[currency], nil
}

func (m *MemoryCheckpoints) Set(ctx context.Context, currency string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[currency] = height
	return nil
}

// PostgresCheckpoints persists checkpoints in PostgreSQL, one row per
// currency.
type PostgresCheckpoints struct {
	db *sql.DB
}

// NewPostgresCheckpoints creates a PostgreSQL-backed checkpoint store.
func NewPostgresCheckpoints(db *sql.DB) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

func (p *PostgresCheckpoints) Get(ctx context.Context, currency string) (uint64, error) {
	var height uint64
	err := p.db.QueryRowContext(ctx, `
		SELECT last_height FROM watcher_checkpoints WHERE currency = $1`, currency).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return height, err
}

func (p *PostgresCheckpoints) Set(ctx context.Context, currency string, height uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO watcher_checkpoints (currency, last_height, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (currency) DO UPDATE
		SET last_height = EXCLUDED.last_height, updated_at = EXCLUDED.updated_at`,
		currency, height, time.Now())
	return err
}

// Compile-time checks.
var (
	_ CheckpointStore = (*MemoryCheckpoints)(nil)
	_ CheckpointStore = (*PostgresCheckpoints)(nil)
)
