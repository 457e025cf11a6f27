package domain

import (
	"encoding/json"
	"fmt"
)

// Aggregate is the interface for all event-sourced aggregates
type Aggregate interface {
	GetID() string
	GetType() string
	GetVersion() int
	Apply(event Event) error
	Snapshot() (json.RawMessage, error)
	Restore(data json.RawMessage, version int) error
}

// AggregateBase provides common aggregate functionality
type AggregateBase struct {
	id            string
	aggregateType string
	version       int
	applier       func(event Event) error
}

// NewAggregateBase creates a new aggregate base
func NewAggregateBase(id, aggregateType string, applier func(Event) error) *AggregateBase {
	return &AggregateBase{
		id:            id,
		aggregateType: aggregateType,
		applier:       applier,
	}
}

// GetID returns the aggregate ID
func (a *AggregateBase) GetID() string {
	return a.id
}

// GetType returns the aggregate type
func (a *AggregateBase) GetType() string {
	return a.aggregateType
}

// GetVersion returns the version of the last applied event
func (a *AggregateBase) GetVersion() int {
	return a.version
}

// SetVersion moves the aggregate to a snapshot version
func (a *AggregateBase) SetVersion(version int) {
	a.version = version
}

// Apply applies an event to the aggregate. Events must arrive in gapless
// version order.
func (a *AggregateBase) Apply(event Event) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}

	if event.AggregateID != a.id || event.AggregateType != a.aggregateType {
		return fmt.Errorf("event %s belongs to %s/%s, not %s/%s",
			event.ID, event.AggregateType, event.AggregateID, a.aggregateType, a.id)
	}

	if event.Version != a.version+1 {
		return fmt.Errorf("event %s has version %d, expected %d", event.ID, event.Version, a.version+1)
	}

	if err := a.applier(event); err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}

	a.version = event.Version
	return nil
}
