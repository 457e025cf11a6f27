package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shardie-github/Settler-API-sub003/matching"
)

var (
	// ErrProviderNotFound is returned when no adapter is registered under a name
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderAlreadyRegistered is returned when registering a name twice
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// DateRange is a half-open interval [From, To)
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// FetchRequest asks a provider for records in a date range
type FetchRequest struct {
	Range    DateRange
	TenantID string
	// Config carries provider specific options such as an account id
	Config map[string]string
}

// Adapter fetches records from one source or target provider
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) ([]matching.Record, error)
}

// Registry maps provider names to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}
	name := adapter.Name()
	if name == "" {
		return errors.New("adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter registered under name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return adapter, nil
}

// Names lists registered providers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
