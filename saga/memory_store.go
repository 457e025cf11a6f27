package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps saga state in process
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Create(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[state.SagaID]; ok {
		return ErrSagaExists
	}
	state.Revision = 1
	s.states[state.SagaID] = state.Clone()
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[state.SagaID]
	if !ok {
		return ErrSagaNotFound
	}
	if stored.Revision != state.Revision {
		return ErrStaleState
	}

	state.Revision++
	next := state.Clone()
	next.CancelRequested = stored.CancelRequested
	next.CreatedAt = stored.CreatedAt
	s.states[state.SagaID] = next
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.states[sagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	state := stored.Clone()
	return &state, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, sagaID string) error {
	return s.setCancel(sagaID, true)
}

func (s *MemoryStore) ClearCancel(ctx context.Context, sagaID string) error {
	return s.setCancel(sagaID, false)
}

func (s *MemoryStore) setCancel(sagaID string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[sagaID]
	if !ok {
		return ErrSagaNotFound
	}
	stored.CancelRequested = value
	s.states[sagaID] = stored
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]State, error) {
	return s.collect(filter.Limit, func(state State) bool {
		return (filter.TenantID == "" || state.TenantID == filter.TenantID) &&
			(filter.SagaType == "" || state.SagaType == filter.SagaType) &&
			(filter.Status == "" || state.Status == filter.Status)
	}, func(a, b State) bool { return a.CreatedAt.After(b.CreatedAt) }), nil
}

func (s *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]State, error) {
	return s.collect(limit, func(state State) bool {
		return !state.Status.Terminal() && state.UpdatedAt.Before(before)
	}, func(a, b State) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

func (s *MemoryStore) collect(limit int, keep func(State) bool, less func(a, b State) bool) []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []State
	for _, state := range s.states {
		if keep(state) {
			states = append(states, state.Clone())
		}
	}
	sort.SliceStable(states, func(i, j int) bool {
		if less(states[i], states[j]) {
			return true
		}
		if less(states[j], states[i]) {
			return false
		}
		return states[i].SagaID < states[j].SagaID
	})
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	return states
}
