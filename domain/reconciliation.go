package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Run status values derived from the event stream
const (
	RunStatusInProgress = "IN_PROGRESS"
	RunStatusCompleted  = "COMPLETED"
	RunStatusFailed     = "FAILED"
)

// RunState represents the folded state of one reconciliation run
type RunState struct {
	AggregateID     string            `json:"aggregate_id"`
	TenantID        string            `json:"tenant_id"`
	SagaID          string            `json:"saga_id"`
	Status          string            `json:"status"`
	SourceProvider  string            `json:"source_provider"`
	TargetProvider  string            `json:"target_provider"`
	SourceCount     int               `json:"source_count"`
	TargetCount     int               `json:"target_count"`
	Matches         map[string]string `json:"matches"`
	UnmatchedSource map[string]string `json:"unmatched_source"`
	UnmatchedTarget map[string]string `json:"unmatched_target"`
	MatchRate       float64           `json:"match_rate"`
	Voided          bool              `json:"voided"`
	Notified        []string          `json:"notified"`
	FailedStep      string            `json:"failed_step,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ReconciliationRunAggregate is the aggregate for a reconciliation run
type ReconciliationRunAggregate struct {
	*AggregateBase
	State RunState
}

// NewReconciliationRun creates an empty reconciliation run aggregate
func NewReconciliationRun(id string) *ReconciliationRunAggregate {
	aggregate := &ReconciliationRunAggregate{State: newRunState(id)}
	aggregate.AggregateBase = NewAggregateBase(id, ReconciliationAggregate, aggregate.applyEvent)
	return aggregate
}

func newRunState(id string) RunState {
	return RunState{
		AggregateID:     id,
		Status:          RunStatusInProgress,
		Matches:         map[string]string{},
		UnmatchedSource: map[string]string{},
		UnmatchedTarget: map[string]string{},
	}
}

// Snapshot serialises the current state
func (a *ReconciliationRunAggregate) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(a.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run state: %w", err)
	}
	return data, nil
}

// Restore loads state from a snapshot taken at version
func (a *ReconciliationRunAggregate) Restore(data json.RawMessage, version int) error {
	state := newRunState(a.GetID())
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal run snapshot: %w", err)
	}
	a.State = state
	a.SetVersion(version)
	return nil
}

// ApplyRunEvent folds one event into a run state. It is the pure form of the
// aggregate applier, usable with eventstore.Rebuild.
func ApplyRunEvent(state RunState, event Event) (RunState, error) {
	if state.Matches == nil {
		state.Matches = map[string]string{}
	}
	if state.UnmatchedSource == nil {
		state.UnmatchedSource = map[string]string{}
	}
	if state.UnmatchedTarget == nil {
		state.UnmatchedTarget = map[string]string{}
	}
	if state.AggregateID == "" {
		state.AggregateID = event.AggregateID
	}
	if state.Status == "" {
		state.Status = RunStatusInProgress
	}
	if state.TenantID == "" {
		state.TenantID = event.Metadata.TenantID
	}

	switch event.Type {
	case SourceRecordsFetched:
		var e RecordsFetchedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.SourceProvider = e.Provider
		state.SourceCount = e.Count
		// a retried run starts over
		state.Status = RunStatusInProgress
		state.FailedStep = ""
		state.FailureReason = ""

	case TargetRecordsFetched:
		var e RecordsFetchedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.TargetProvider = e.Provider
		state.TargetCount = e.Count

	case RecordMatched:
		var e RecordMatchedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.Matches[e.SourceID] = e.TargetID

	case RecordUnmatched:
		var e RecordUnmatchedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		if e.Side == "target" {
			state.UnmatchedTarget[e.RecordID] = e.Reason
		} else {
			state.UnmatchedSource[e.RecordID] = e.Reason
		}

	case MatchingCompleted:
		var e MatchingCompletedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.MatchRate = e.MatchRate
		state.Voided = false

	case MatchingResultsVoided:
		state.Voided = true
		state.Matches = map[string]string{}
		state.UnmatchedSource = map[string]string{}
		state.UnmatchedTarget = map[string]string{}
		state.MatchRate = 0

	case NotificationsDispatched:
		var e NotificationsDispatchedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.Notified = append(state.Notified, e.Delivered...)

	case ReconciliationCompleted:
		var e ReconciliationCompletedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.SagaID = e.SagaID
		state.Status = RunStatusCompleted

	case ReconciliationFailed:
		var e ReconciliationFailedEvent
		if err := event.Decode(&e); err != nil {
			return state, err
		}
		state.SagaID = e.SagaID
		state.Status = RunStatusFailed
		state.FailedStep = e.Step
		state.FailureReason = e.Message
	}

	state.UpdatedAt = event.CreatedAt
	return state, nil
}

// applyEvent applies an event to the run aggregate
func (a *ReconciliationRunAggregate) applyEvent(event Event) error {
	state, err := ApplyRunEvent(a.State, event)
	if err != nil {
		return err
	}
	a.State = state
	return nil
}
