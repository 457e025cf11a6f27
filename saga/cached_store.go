package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is the key/value cache CachedStore reads through
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CachedStore caches terminal sagas in front of another Store. Entries are
// only written after a terminal save and only while the backing store still
// holds that revision. Running sagas are always read from the backing store.
type CachedStore struct {
	Store
	cache Cache
	ttl   time.Duration
}

// NewCachedStore wraps store
func NewCachedStore(store Store, cache Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: store, cache: cache, ttl: ttl}
}

func cacheKey(sagaID string) string {
	return fmt.Sprintf("saga:%s", sagaID)
}

func (s *CachedStore) Get(ctx context.Context, sagaID string) (*State, error) {
	var cached State
	if err := s.cache.Get(ctx, cacheKey(sagaID), &cached); err == nil && cached.SagaID == sagaID {
		return &cached, nil
	}
	return s.Store.Get(ctx, sagaID)
}

func (s *CachedStore) Save(ctx context.Context, state *State) error {
	s.invalidate(ctx, state.SagaID)
	err := s.Store.Save(ctx, state)
	s.invalidate(ctx, state.SagaID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		s.fill(ctx, state.SagaID, state.Revision)
	}
	return nil
}

// fill caches the stored saga if it is still terminal at revision. A save
// that lands while the entry is written is caught by the read that follows.
func (s *CachedStore) fill(ctx context.Context, sagaID string, revision int64) {
	fresh, err := s.Store.Get(ctx, sagaID)
	if err != nil || fresh.Revision != revision || !fresh.Status.Terminal() {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(sagaID), fresh, s.ttl); err != nil {
		log.Debug().Err(err).Str("saga_id", sagaID).Msg("Failed to cache saga state")
		return
	}

	latest, err := s.Store.Get(ctx, sagaID)
	if err != nil || latest.Revision != revision {
		s.invalidate(ctx, sagaID)
	}
}

func (s *CachedStore) RequestCancel(ctx context.Context, sagaID string) error {
	s.invalidate(ctx, sagaID)
	return s.Store.RequestCancel(ctx, sagaID)
}

func (s *CachedStore) ClearCancel(ctx context.Context, sagaID string) error {
	s.invalidate(ctx, sagaID)
	return s.Store.ClearCancel(ctx, sagaID)
}

func (s *CachedStore) invalidate(ctx context.Context, sagaID string) {
	if err := s.cache.Delete(ctx, cacheKey(sagaID)); err != nil {
		log.Debug().Err(err).Str("saga_id", sagaID).Msg("Failed to invalidate cached saga state")
	}
}
