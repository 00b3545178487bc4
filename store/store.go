// Package store persists run outcomes.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/ethereum-optimism/infra/op-starter/reporting"
)

// Store persists run outcomes.
type Store interface {
	SaveOutcome(ctx context.Context, o reporting.Outcome) error
	// Recent returns up to limit outcomes, newest first.
	Recent(ctx context.Context, limit int) ([]reporting.Outcome, error)
	Close() error
}

// MemStore keeps outcomes in memory.
type MemStore struct {
	mu       sync.Mutex
	outcomes []reporting.Outcome
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) SaveOutcome(ctx context.Context, o reporting.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *MemStore) Recent(ctx context.Context, limit int) ([]reporting.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.outcomes)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Close() error {
	return nil
}
