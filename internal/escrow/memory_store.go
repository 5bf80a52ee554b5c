package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pasarchain/escrowd/internal/chain"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	intents   map[string]*Intent
	processed map[string]string // txHash -> transaction ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:   make(map[string]*Intent),
		processed: make(map[string]string),
	}
}

func (m *MemoryStore) CreateIntent(ctx context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.intents[in.ID] = &cp
	return nil
}

func (m *MemoryStore) GetIntent(ctx context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) UpdateIntent(ctx context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.ID]; !ok {
		return ErrIntentNotFound
	}
	cp := *in
	m.intents[in.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Intent
	for _, in := range m.intents {
		if in.Status == IntentPending && in.ExpiresAt.Before(before) {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindPending(ctx context.Context, txID string, action chain.Action) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *Intent
	for _, in := range m.intents {
		if in.TransactionID != txID || in.Action != action || in.Status != IntentPending {
			continue
		}
		if newest == nil || in.CreatedAt.After(newest.CreatedAt) {
			newest = in
		}
	}
	if newest == nil {
		return nil, ErrIntentNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) WasProcessed(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[txHash]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, txHash, transactionID string, action chain.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[txHash] = transactionID
	return nil
}
