package models

import (
	"time"
)

// SagaState represents a persisted saga instance
type SagaState struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SagaID          string    `gorm:"uniqueIndex;size:64" json:"saga_id"`
	SagaType        string    `gorm:"index;size:64" json:"saga_type"`
	AggregateID     string    `gorm:"index;size:128" json:"aggregate_id"`
	CurrentStep     string    `json:"current_step"`
	StepHistory     []byte    `json:"step_history"`
	Data            []byte    `json:"data"`
	CorrelationID   string    `gorm:"index;size:128" json:"correlation_id"`
	TenantID        string    `gorm:"index;size:128" json:"tenant_id"`
	Status          string    `gorm:"index;size:32" json:"status"`
	Attempt         int       `json:"attempt"`
	Revision        int64     `json:"revision"`
	CancelRequested bool      `json:"cancel_requested"`
	LastError       *string   `json:"last_error"`
	DriverID        string    `gorm:"size:64" json:"driver_id"`
	LeaseUntil      time.Time `json:"lease_until"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `gorm:"index" json:"updated_at"`
}

// DeadLetterEntry represents an unrecoverable failure awaiting an operator
type DeadLetterEntry struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	EntryID         string     `gorm:"uniqueIndex;size:64" json:"entry_id"`
	SagaID          *string    `gorm:"index;size:64" json:"saga_id"`
	EventID         *string    `gorm:"size:64" json:"event_id"`
	ErrorType       string     `gorm:"size:64" json:"error_type"`
	ErrorMessage    string     `json:"error_message"`
	ErrorStack      *string    `json:"error_stack"`
	Payload         []byte     `json:"payload"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	TenantID        string     `gorm:"index;size:128" json:"tenant_id"`
	CorrelationID   *string    `gorm:"size:128" json:"correlation_id"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	ResolvedAt      *time.Time `gorm:"index" json:"resolved_at"`
	ResolutionNotes *string    `json:"resolution_notes"`
}

// ReconciliationResult is the read model projected by persist_results
type ReconciliationResult struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AggregateID     string    `gorm:"uniqueIndex;size:128" json:"aggregate_id"`
	SagaID          string    `gorm:"size:64" json:"saga_id"`
	TenantID        string    `gorm:"index;size:128" json:"tenant_id"`
	SourceProvider  string    `json:"source_provider"`
	TargetProvider  string    `json:"target_provider"`
	Matched         int       `json:"matched"`
	UnmatchedSource int       `json:"unmatched_source"`
	UnmatchedTarget int       `json:"unmatched_target"`
	MatchRate       float64   `json:"match_rate"`
	PeriodFrom      time.Time `json:"period_from"`
	PeriodTo        time.Time `json:"period_to"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
