package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
)

const defaultListLimit = 100

// Queue is the dead letter queue. Every add and resolve is audited in the
// event store under the dead_letter aggregate.
type Queue struct {
	store    Store
	events   eventstore.EventStore
	validate *validator.Validate
	now      func() time.Time
}

// NewQueue creates a queue over store. events may be nil to skip auditing.
func NewQueue(store Store, events eventstore.EventStore) *Queue {
	return &Queue{
		store:    store,
		events:   events,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddEntry stores a new unresolved entry. An entry with a caller supplied
// id that is already stored is left untouched and ErrEntryExists returned.
func (q *Queue) AddEntry(ctx context.Context, entry Entry) (*Entry, error) {
	if err := q.validate.Struct(entry); err != nil {
		return nil, fmt.Errorf("invalid dead letter entry: %w", err)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = q.now()
	entry.ResolvedAt = nil
	entry.ResolutionNotes = ""

	if err := q.store.Insert(ctx, &entry); err != nil {
		return nil, err
	}

	log.Warn().
		Str("entry_id", entry.ID).
		Str("saga_id", entry.SagaID).
		Str("tenant_id", entry.TenantID).
		Str("correlation_id", entry.CorrelationID).
		Str("error_type", entry.ErrorType).
		Int("retry_count", entry.RetryCount).
		Msg("Dead letter entry added")

	q.audit(ctx, entry, domain.DeadLetterAdded, domain.DeadLetterAddedEvent{
		EntryID:   entry.ID,
		SagaID:    entry.SagaID,
		ErrorType: entry.ErrorType,
		Message:   entry.ErrorMessage,
	})
	return &entry, nil
}

// GetEntry returns an entry whether or not it is resolved
func (q *Queue) GetEntry(ctx context.Context, id string) (*Entry, error) {
	return q.store.Get(ctx, id)
}

// GetUnresolvedEntries returns open entries, oldest first
func (q *Queue) GetUnresolvedEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return q.store.ListUnresolved(ctx, "", limit)
}

// GetUnresolvedEntriesForTenant returns a tenant's open entries, oldest first
func (q *Queue) GetUnresolvedEntriesForTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return q.store.ListUnresolved(ctx, tenantID, limit)
}

// GetEntriesByTenant returns every entry of a tenant, resolved ones included
func (q *Queue) GetEntriesByTenant(ctx context.Context, tenantID string) ([]Entry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	return q.store.ListByTenant(ctx, tenantID, 0)
}

// ResolveEntry closes an entry. Resolution is terminal.
func (q *Queue) ResolveEntry(ctx context.Context, id, notes string) (*Entry, error) {
	if err := q.store.Resolve(ctx, id, notes, q.now()); err != nil {
		return nil, err
	}

	entry, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("entry_id", id).
		Str("tenant_id", entry.TenantID).
		Msg("Dead letter entry resolved")

	q.audit(ctx, *entry, domain.DeadLetterResolved, domain.DeadLetterResolvedEvent{
		EntryID: id,
		Notes:   notes,
	})
	return entry, nil
}

// audit failures are logged only; the entry itself is already durable
func (q *Queue) audit(ctx context.Context, entry Entry, eventType string, data interface{}) {
	if q.events == nil {
		return
	}

	event, err := domain.NewEvent(entry.ID, domain.DeadLetterAggregate, eventType, data, domain.Metadata{
		TenantID:      entry.TenantID,
		CorrelationID: entry.CorrelationID,
		CausationID:   entry.SagaID,
	})
	if err == nil {
		_, err = q.events.Append(ctx, event)
	}
	if err != nil {
		log.Error().Err(err).
			Str("entry_id", entry.ID).
			Str("event_type", eventType).
			Msg("Failed to append dead letter audit event")
	}
}
