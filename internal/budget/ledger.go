package budget

import (
	"context"
	"sort"
	"sync"

	"github.com/sequorhq/sequor/model"
)

// LedgerStore persists the append-only audit trail of every pool mutation.
// The ledger is the source of truth; pool balances are a cache that replay
// must reproduce exactly.
type LedgerStore interface {
	// Append adds one immutable entry.
	Append(ctx context.Context, entry model.LedgerEntry) error

	// List returns all entries for the organization in timestamp order.
	List(ctx context.Context, orgID string) ([]model.LedgerEntry, error)
}

// MemoryLedgerStore is an in-memory LedgerStore.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	entries map[string][]model.LedgerEntry // key: orgID
}

// NewMemoryLedgerStore creates a new in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		entries: make(map[string][]model.LedgerEntry),
	}
}

// Append adds an entry to the organization's ledger.
func (s *MemoryLedgerStore) Append(_ context.Context, entry model.LedgerEntry) error {
	s.mu.Lock()
	s.entries[entry.OrgID] = append(s.entries[entry.OrgID], entry)
	s.mu.Unlock()
	return nil
}

// List returns a sorted copy of the organization's entries.
func (s *MemoryLedgerStore) List(_ context.Context, orgID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[orgID]
	result := make([]model.LedgerEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}
