package saga

import (
	"context"
	"time"

	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
)

// StepPolicy controls how the orchestrator runs a step
type StepPolicy struct {
	// Timeout bounds each attempt; zero uses the orchestrator default
	Timeout    time.Duration
	Retryable  bool
	MaxRetries int
	// Optional steps that fail are recorded and skipped instead of failing the saga
	Optional bool
}

// Step is one unit of work in a saga. Execute must return once ctx is done:
// an attempt still running a grace period after its timeout is given up
// without a retry and its late effects are never compensated.
type Step interface {
	Name() string
	Policy() StepPolicy
	Execute(ctx context.Context, exec *Execution) error
}

// Compensator is implemented by steps that can undo their effect.
// Compensations must be idempotent.
type Compensator interface {
	Compensate(ctx context.Context, exec *Execution) error
}

// Execution is what a step sees of the saga it runs in. Data is a private
// copy for this attempt and is kept only if the attempt succeeds.
type Execution struct {
	SagaID        string
	SagaType      string
	AggregateID   string
	TenantID      string
	CorrelationID string
	Attempt       int
	StepAttempt   int
	Data          *Data

	events eventstore.EventStore
}

// Metadata returns event metadata tying an event to this saga
func (e *Execution) Metadata() domain.Metadata {
	return domain.Metadata{
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.SagaID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewEvent builds an event for the saga's aggregate
func (e *Execution) NewEvent(aggregateType, eventType string, data interface{}) (*domain.Event, error) {
	return domain.NewEvent(e.AggregateID, aggregateType, eventType, data, e.Metadata())
}

// NewEventWithID builds an event with a deterministic id, so appending it
// again is a no-op
func (e *Execution) NewEventWithID(id, aggregateType, eventType string, data interface{}) (*domain.Event, error) {
	return domain.NewEventWithID(id, e.AggregateID, aggregateType, eventType, data, e.Metadata())
}

// Append appends events atomically to the event store
func (e *Execution) Append(ctx context.Context, events ...*domain.Event) ([]domain.Event, error) {
	return e.events.AppendMany(ctx, events)
}

// Events returns the event store the saga writes to
func (e *Execution) Events() eventstore.EventStore {
	return e.events
}

// FuncStep adapts plain functions to a Step
type FuncStep struct {
	StepName       string
	StepPolicy     StepPolicy
	ExecuteFunc    func(ctx context.Context, exec *Execution) error
	CompensateFunc func(ctx context.Context, exec *Execution) error
}

func (s *FuncStep) Name() string       { return s.StepName }
func (s *FuncStep) Policy() StepPolicy { return s.StepPolicy }

func (s *FuncStep) Execute(ctx context.Context, exec *Execution) error {
	if s.ExecuteFunc == nil {
		return nil
	}
	return s.ExecuteFunc(ctx, exec)
}

// Compensate is a no-op when CompensateFunc is nil
func (s *FuncStep) Compensate(ctx context.Context, exec *Execution) error {
	if s.CompensateFunc == nil {
		return nil
	}
	return s.CompensateFunc(ctx, exec)
}
