package transaction

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	transactions map[string]*Transaction
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByEscrowID(ctx context.Context, escrowID int64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.EscrowID != nil && *tx.EscrowID == escrowID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transactions[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if stored.Version != tx.Version {
		return ErrConcurrentModification
	}

	cp := *tx
	cp.Version++
	m.transactions[tx.ID] = &cp
	tx.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.BuyerID == userID || tx.SellerID == userID {
			cp := *tx
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

func (m *MemoryStore) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.NeedsReview {
			cp := *tx
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
