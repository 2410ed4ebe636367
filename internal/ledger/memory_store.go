package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	byProcessor  map[string]string // "name/txid" -> id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byProcessor:  make(map[string]string),
	}
}

func processorKey(name, txID string) string {
	return name + "/" + txID
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ProcessorTxID != "" {
		key := processorKey(tx.ProcessorName, tx.ProcessorTxID)
		if _, exists := m.byProcessor[key]; exists {
			return ErrDuplicate
		}
		m.byProcessor[key] = tx.ID
	}
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) GetByProcessorTxID(ctx context.Context, processorName, processorTxID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byProcessor[processorKey(processorName, processorTxID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(m.transactions[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; !ok {
		return ErrNotFound
	}
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			out = append(out, copyTransaction(tx))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) ListByDateRange(ctx context.Context, start, end time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if !tx.CreatedAt.Before(start) && tx.CreatedAt.Before(end) {
			out = append(out, copyTransaction(tx))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if tx.Status == status {
			out = append(out, copyTransaction(tx))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func sortNewestFirst(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

func clip(txs []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}

// copyTransaction deep-copies so callers can't mutate stored state.
func copyTransaction(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	out := *tx
	if tx.Metadata != nil {
		out.Metadata = make(map[string]any, len(tx.Metadata))
		for k, v := range tx.Metadata {
			out.Metadata[k] = v
		}
	}
	out.StatusHistory = make([]StatusChange, len(tx.StatusHistory))
	copy(out.StatusHistory, tx.StatusHistory)
	return &out
}
