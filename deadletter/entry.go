package deadletter

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEntryNotFound is returned for an unknown entry id
	ErrEntryNotFound = errors.New("dead letter entry not found")
	// ErrAlreadyResolved is returned when resolving an entry twice
	ErrAlreadyResolved = errors.New("dead letter entry is already resolved")
	// ErrEntryExists is returned when inserting an id that is already stored
	ErrEntryExists = errors.New("dead letter entry already exists")
)

// Entry is an unrecoverable failure parked for an operator
type Entry struct {
	ID              string          `json:"id"`
	SagaID          string          `json:"saga_id,omitempty"`
	EventID         string          `json:"event_id,omitempty"`
	ErrorType       string          `json:"error_type" validate:"required"`
	ErrorMessage    string          `json:"error_message" validate:"required"`
	ErrorStack      string          `json:"error_stack,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RetryCount      int             `json:"retry_count" validate:"gte=0"`
	MaxRetries      int             `json:"max_retries" validate:"gte=0"`
	TenantID        string          `json:"tenant_id" validate:"required"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// Resolved reports whether an operator closed the entry
func (e Entry) Resolved() bool {
	return e.ResolvedAt != nil
}
