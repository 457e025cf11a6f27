package domain

import (
	"time"
)

// Aggregate types
const (
	ReconciliationAggregate = "reconciliation"
	SagaAggregate           = "saga"
	DeadLetterAggregate     = "dead_letter"
)

// EventType constants
const (
	// Reconciliation events
	SourceRecordsFetched    = "V1_SOURCE_RECORDS_FETCHED"
	TargetRecordsFetched    = "V1_TARGET_RECORDS_FETCHED"
	RecordMatched           = "V1_RECORD_MATCHED"
	RecordUnmatched         = "V1_RECORD_UNMATCHED"
	MatchingCompleted       = "V1_MATCHING_COMPLETED"
	MatchingResultsVoided   = "V1_MATCHING_RESULTS_VOIDED"
	ResultsPersisted        = "V1_RESULTS_PERSISTED"
	ResultsRetracted        = "V1_RESULTS_RETRACTED"
	NotificationsDispatched = "V1_NOTIFICATIONS_DISPATCHED"
	ReconciliationCompleted = "V1_RECONCILIATION_COMPLETED"
	ReconciliationFailed    = "V1_RECONCILIATION_FAILED"

	// Saga lifecycle events
	SagaStarted            = "V1_SAGA_STARTED"
	SagaStepCompleted      = "V1_SAGA_STEP_COMPLETED"
	SagaStepFailed         = "V1_SAGA_STEP_FAILED"
	SagaStepCompensated    = "V1_SAGA_STEP_COMPENSATED"
	SagaCompensationFailed = "V1_SAGA_COMPENSATION_FAILED"
	SagaCompleted          = "V1_SAGA_COMPLETED"
	SagaFailed             = "V1_SAGA_FAILED"
	SagaCancelled          = "V1_SAGA_CANCELLED"

	// Dead letter events
	DeadLetterAdded    = "V1_DEAD_LETTER_ADDED"
	DeadLetterResolved = "V1_DEAD_LETTER_RESOLVED"
)

// Reconciliation Events

// RecordsFetchedEvent is emitted by both fetch steps
type RecordsFetchedEvent struct {
	Provider   string    `json:"provider"`
	Side       string    `json:"side"`
	Count      int       `json:"count"`
	DurationMs int64     `json:"duration_ms"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

// RecordMatchedEvent records one source/target pairing
type RecordMatchedEvent struct {
	SourceID   string   `json:"source_id"`
	TargetID   string   `json:"target_id"`
	Confidence float64  `json:"confidence"`
	MatchedOn  []string `json:"matched_on"`
	Amount     float64  `json:"amount"`
	Currency   string   `json:"currency"`
	Attempt    int      `json:"attempt"`
}

// RecordUnmatchedEvent records a record left without a counterpart
type RecordUnmatchedEvent struct {
	RecordID string  `json:"record_id"`
	Side     string  `json:"side"`
	Reason   string  `json:"reason"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Attempt  int     `json:"attempt"`
}

// MatchingCompletedEvent summarises one matching pass
type MatchingCompletedEvent struct {
	Matched         int     `json:"matched"`
	UnmatchedSource int     `json:"unmatched_source"`
	UnmatchedTarget int     `json:"unmatched_target"`
	MatchRate       float64 `json:"match_rate"`
	DurationMs      int64   `json:"duration_ms"`
	Attempt         int     `json:"attempt"`
}

// MatchingResultsVoidedEvent reverses a matching pass during compensation
type MatchingResultsVoidedEvent struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// ResultsPersistedEvent records that read models were projected
type ResultsPersistedEvent struct {
	Projections []string `json:"projections"`
}

// ResultsRetractedEvent records that read models were removed during compensation
type ResultsRetractedEvent struct {
	Projections []string `json:"projections"`
}

// NotificationsDispatchedEvent records the outcome of the notify fan-out
type NotificationsDispatchedEvent struct {
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ReconciliationCompletedEvent is the final summary of a successful run
type ReconciliationCompletedEvent struct {
	SagaID          string  `json:"saga_id"`
	Matched         int     `json:"matched"`
	UnmatchedSource int     `json:"unmatched_source"`
	UnmatchedTarget int     `json:"unmatched_target"`
	MatchRate       float64 `json:"match_rate"`
}

// ReconciliationFailedEvent is the terminal failure record of a run
type ReconciliationFailedEvent struct {
	SagaID    string `json:"saga_id"`
	Step      string `json:"step"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// Saga Events

// SagaStartedEvent is emitted when a saga instance is created or re-run
type SagaStartedEvent struct {
	SagaType    string `json:"saga_type"`
	AggregateID string `json:"aggregate_id"`
	Attempt     int    `json:"attempt"`
	FirstStep   string `json:"first_step"`
}

// SagaStepEvent describes a single step transition
type SagaStepEvent struct {
	Step        string `json:"step"`
	Attempt     int    `json:"attempt"`
	StepAttempt int    `json:"step_attempt"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

// SagaCompletedEvent closes a successful saga
type SagaCompletedEvent struct {
	SagaType string `json:"saga_type"`
	Attempt  int    `json:"attempt"`
}

// SagaFailedEvent is the structured terminal failure of a saga
type SagaFailedEvent struct {
	SagaType  string `json:"saga_type"`
	Step      string `json:"step"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Attempt   int    `json:"attempt"`
}

// SagaCancelledEvent closes a cancelled saga
type SagaCancelledEvent struct {
	SagaType string `json:"saga_type"`
	Step     string `json:"step"`
	Attempt  int    `json:"attempt"`
}

// Dead Letter Events

// DeadLetterAddedEvent audits a new dead letter entry
type DeadLetterAddedEvent struct {
	EntryID   string `json:"entry_id"`
	SagaID    string `json:"saga_id,omitempty"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// DeadLetterResolvedEvent audits an operator resolution
type DeadLetterResolvedEvent struct {
	EntryID string `json:"entry_id"`
	Notes   string `json:"notes"`
}
