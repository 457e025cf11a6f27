package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata travels with every event and ties it to a tenant and a causal chain
type Metadata struct {
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event represents a domain event. Events are immutable once appended.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Type          string          `json:"event_type"`
	Version       int             `json:"event_version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEvent builds an event with a random id. Version is left at zero so the
// store assigns the next one.
func NewEvent(aggregateID, aggregateType, eventType string, data interface{}, md Metadata) (*Event, error) {
	return NewEventWithID(uuid.New().String(), aggregateID, aggregateType, eventType, data, md)
}

// NewEventWithID builds an event with a caller supplied id, used for
// idempotent appends.
func NewEventWithID(id, aggregateID, aggregateType, eventType string, data interface{}, md Metadata) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now().UTC()
	}

	return &Event{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		Data:          raw,
		Metadata:      md,
	}, nil
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s event data: %w", e.Type, err)
	}
	return nil
}

// Snapshot is a folded aggregate state at a given version
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Data          json.RawMessage `json:"data"`
	Version       int             `json:"version"`
	SourceEventID string          `json:"source_event_id"`
	CreatedAt     time.Time       `json:"created_at"`
}
