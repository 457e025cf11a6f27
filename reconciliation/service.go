package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shardie-github/Settler-API-sub003/adapters"
	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

var (
	// ErrRunNotFound is returned when an aggregate has no events
	ErrRunNotFound = errors.New("reconciliation run not found")
	// ErrInvalidRequest wraps every rejection of a StartRequest
	ErrInvalidRequest = errors.New("invalid reconciliation request")
)

// StartRequest asks for one reconciliation of a tenant's providers over a period
type StartRequest struct {
	TenantID       string                       `json:"tenant_id" validate:"required"`
	SourceProvider string                       `json:"source_provider" validate:"required"`
	TargetProvider string                       `json:"target_provider" validate:"required,nefield=SourceProvider"`
	From           time.Time                    `json:"from" validate:"required"`
	To             time.Time                    `json:"to" validate:"required,gtfield=From"`
	Rules          []matching.Rule              `json:"rules,omitempty" validate:"omitempty,dive"`
	NotifyTargets  []string                     `json:"notify_targets,omitempty"`
	ProviderConfig map[string]map[string]string `json:"provider_config,omitempty"`
	CorrelationID  string                       `json:"correlation_id,omitempty"`
	// AggregateID defaults to a random uuid
	AggregateID string `json:"aggregate_id,omitempty"`
	// SagaID makes a redelivered request collide with saga.ErrSagaExists
	SagaID string `json:"saga_id,omitempty"`
}

// Service is the entry point for starting and reading reconciliation runs
type Service struct {
	orchestrator *saga.Orchestrator
	events       eventstore.EventStore
	adapters     *adapters.Registry
	defaults     matching.Config
	validate     *validator.Validate
}

// NewService registers the workflow's saga with the orchestrator. defaults
// supplies the tolerances applied to every run.
func NewService(orchestrator *saga.Orchestrator, workflow *Workflow, defaults matching.Config) (*Service, error) {
	if err := orchestrator.RegisterSaga(workflow.Definition()); err != nil {
		return nil, err
	}
	return &Service{
		orchestrator: orchestrator,
		events:       workflow.events,
		adapters:     workflow.adapters,
		defaults:     defaults,
		validate:     validator.New(),
	}, nil
}

// Start validates the request and starts a reconciliation saga. Pass
// saga.InBackground() to return as soon as the saga is persisted.
func (s *Service) Start(ctx context.Context, req StartRequest, opts ...saga.RunOption) (*saga.State, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for _, provider := range []string{req.SourceProvider, req.TargetProvider} {
		if _, err := s.adapters.Get(provider); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	cfg := s.defaults
	if len(req.Rules) > 0 {
		cfg.Rules = req.Rules
	}
	if _, err := matching.NewEngine(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	aggregateID := req.AggregateID
	if aggregateID == "" {
		aggregateID = uuid.New().String()
	}

	data, err := saga.NewData(SagaType, DataVersion, RunData{
		SourceProvider: req.SourceProvider,
		TargetProvider: req.TargetProvider,
		Range:          adapters.DateRange{From: req.From.UTC(), To: req.To.UTC()},
		ProviderConfig: req.ProviderConfig,
		Matching:       cfg,
		NotifyTargets:  req.NotifyTargets,
	})
	if err != nil {
		return nil, err
	}

	return s.orchestrator.StartSaga(ctx, saga.StartInput{
		SagaType:      SagaType,
		AggregateID:   aggregateID,
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		SagaID:        req.SagaID,
		Data:          data,
	}, opts...)
}

// GetRun rebuilds a run from its events
func (s *Service) GetRun(ctx context.Context, aggregateID string) (*domain.RunState, error) {
	initial := domain.NewReconciliationRun(aggregateID).State
	state, version, err := eventstore.Rebuild(ctx, s.events, aggregateID, domain.ReconciliationAggregate, initial, domain.ApplyRunEvent)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrRunNotFound
	}
	return &state, nil
}
