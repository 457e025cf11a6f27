package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists dead letter entries. Entries are never deleted or replaced.
type Store interface {
	// Insert returns ErrEntryExists if the id is already stored
	Insert(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// ListUnresolved scopes to tenantID unless it is empty. limit applies
	// after scoping.
	ListUnresolved(ctx context.Context, tenantID string, limit int) ([]Entry, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error)
	// Resolve marks an unresolved entry resolved. It returns ErrAlreadyResolved
	// if another operator got there first.
	Resolve(ctx context.Context, id, notes string, at time.Time) error
}

// MemoryStore keeps entries in process
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Insert(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return ErrEntryExists
	}
	s.entries[entry.ID] = *entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &entry, nil
}

func (s *MemoryStore) ListUnresolved(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	return s.list(limit, func(e Entry) bool {
		return !e.Resolved() && (tenantID == "" || e.TenantID == tenantID)
	}), nil
}

func (s *MemoryStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	return s.list(limit, func(e Entry) bool { return e.TenantID == tenantID }), nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Resolved() {
		return ErrAlreadyResolved
	}
	entry.ResolvedAt = &at
	entry.ResolutionNotes = notes
	s.entries[id] = entry
	return nil
}

// list returns matching entries oldest first
func (s *MemoryStore) list(limit int, keep func(Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	for _, entry := range s.entries {
		if keep(entry) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
