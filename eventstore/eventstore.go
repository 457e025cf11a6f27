package eventstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

// EventStore is the interface for event storage. It is the single source of
// truth: per aggregate, versions are strictly increasing and gapless from 1.
type EventStore interface {
	// Append appends one event. A zero Version is assigned the next version of
	// the aggregate; a non-zero Version must be exactly the next one. An event
	// whose ID is already stored is returned unchanged.
	Append(ctx context.Context, event *domain.Event) (domain.Event, error)

	// AppendMany appends all events in one transaction, or none of them
	AppendMany(ctx context.Context, events []*domain.Event) ([]domain.Event, error)

	// GetEvents returns the events of an aggregate with version >= fromVersion
	GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]domain.Event, error)

	// GetEventsByType returns events of a type in append order
	GetEventsByType(ctx context.Context, eventType string, limit int) ([]domain.Event, error)

	// GetEventsByCorrelationID returns every event of a correlation chain in append order
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]domain.Event, error)

	// SaveSnapshot stores a snapshot of an aggregate
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error

	// GetLatestSnapshot returns the newest snapshot, or nil when none exists
	GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, error)

	// GetEventsAfterSnapshot returns the latest snapshot (possibly nil) and the events after it
	GetEventsAfterSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, []domain.Event, error)

	// GetUnprocessedEvents gets events not yet seen by the projection processor
	GetUnprocessedEvents(ctx context.Context, limit int) ([]domain.Event, error)

	// MarkEventProcessed marks an event as projected, or records the projection error
	MarkEventProcessed(ctx context.Context, eventID string, processErr error) error
}

func validateEvent(event *domain.Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.AggregateID == "" {
		return fmt.Errorf("aggregate ID is empty")
	}
	if event.AggregateType == "" {
		return fmt.Errorf("aggregate type is empty")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is empty")
	}
	if event.Version < 0 {
		return fmt.Errorf("event version %d is negative", event.Version)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	return nil
}

func validateSnapshot(snapshot domain.Snapshot) error {
	if snapshot.AggregateID == "" || snapshot.AggregateType == "" {
		return fmt.Errorf("snapshot aggregate is not set")
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("snapshot version %d is invalid", snapshot.Version)
	}
	return nil
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}
