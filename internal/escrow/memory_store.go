package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			out = append(out, copyEscrow(e))
		}
	}
	sortEscrows(out)
	return clipEscrows(out, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			out = append(out, copyEscrow(e))
		}
	}
	sortEscrows(out)
	return clipEscrows(out, limit), nil
}

func (m *MemoryStore) Counts(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range m.escrows {
		counts[e.Status]++
	}
	return counts, nil
}

func sortEscrows(escrows []*Escrow) {
	sort.Slice(escrows, func(i, j int) bool {
		return escrows[i].CreatedAt.After(escrows[j].CreatedAt)
	})
}

func clipEscrows(escrows []*Escrow, limit int) []*Escrow {
	if limit > 0 && len(escrows) > limit {
		return escrows[:limit]
	}
	return escrows
}

// copyEscrow deep-copies so callers can't mutate stored state.
func copyEscrow(e *Escrow) *Escrow {
	if e == nil {
		return nil
	}
	out := *e
	if e.MultiSig != nil {
		ms := *e.MultiSig
		out.MultiSig = &ms
	}
	out.UnlockTime = copyTime(e.UnlockTime)
	out.ReleaseTime = copyTime(e.ReleaseTime)
	out.DisputeOpenedAt = copyTime(e.DisputeOpenedAt)
	out.ResolvedAt = copyTime(e.ResolvedAt)
	out.FundedAt = copyTime(e.FundedAt)
	out.ExpiresAt = copyTime(e.ExpiresAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
