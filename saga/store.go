package saga

import (
	"context"
	"time"
)

// ListFilter narrows ListSagas
type ListFilter struct {
	TenantID string
	SagaType string
	Status   Status
	Limit    int
}

// Store persists saga state keyed by saga id
type Store interface {
	// Create inserts a new saga, failing with ErrSagaExists if the id is taken
	Create(ctx context.Context, state *State) error

	// Save writes state if its Revision still matches the stored one and
	// bumps Revision. It never touches the cancel flag. A lost race yields
	// ErrStaleState.
	Save(ctx context.Context, state *State) error

	// Get loads a saga or returns ErrSagaNotFound
	Get(ctx context.Context, sagaID string) (*State, error)

	// RequestCancel raises the cancel flag that the driver checks at step boundaries
	RequestCancel(ctx context.Context, sagaID string) error

	// ClearCancel lowers the cancel flag before an operator retry
	ClearCancel(ctx context.Context, sagaID string) error

	// List returns sagas matching filter, newest first
	List(ctx context.Context, filter ListFilter) ([]State, error)

	// ListStale returns non-terminal sagas not updated since before
	ListStale(ctx context.Context, before time.Time, limit int) ([]State, error)
}
