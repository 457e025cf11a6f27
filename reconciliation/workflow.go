package reconciliation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/adapters"
	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/resilience"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

// SagaType is the registered name of the reconciliation saga
const SagaType = "reconciliation"

// DataVersion is the current RunData schema version
const DataVersion = 1

// Step names in execution order
const (
	StepFetchSource     = "fetch_source_records"
	StepFetchTarget     = "fetch_target_records"
	StepPerformMatching = "perform_matching"
	StepPersistResults  = "persist_results"
	StepNotify          = "notify"
)

const (
	defaultStepTimeout   = 30 * time.Second
	defaultFetchRetries  = 3
	defaultPersistRetry  = 3
	defaultNotifyRetries = 2
)

// RunData is the reconciliation saga's payload
type RunData struct {
	SourceProvider string                       `json:"source_provider"`
	TargetProvider string                       `json:"target_provider"`
	Range          adapters.DateRange           `json:"range"`
	ProviderConfig map[string]map[string]string `json:"provider_config,omitempty"`
	Matching       matching.Config              `json:"matching"`
	NotifyTargets  []string                     `json:"notify_targets,omitempty"`

	SourceRecords []matching.Record `json:"source_records,omitempty"`
	TargetRecords []matching.Record `json:"target_records,omitempty"`
	Summary       *Summary          `json:"summary,omitempty"`
	Projections   []string          `json:"projections,omitempty"`
	Notified      []string          `json:"notified,omitempty"`
}

// Summary is the outcome of a run handed to projections and notifiers
type Summary struct {
	AggregateID     string    `json:"aggregate_id"`
	SagaID          string    `json:"saga_id"`
	TenantID        string    `json:"tenant_id"`
	CorrelationID   string    `json:"correlation_id"`
	SourceProvider  string    `json:"source_provider"`
	TargetProvider  string    `json:"target_provider"`
	Matched         int       `json:"matched"`
	UnmatchedSource int       `json:"unmatched_source"`
	UnmatchedTarget int       `json:"unmatched_target"`
	MatchRate       float64   `json:"match_rate"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
}

// Projector materializes a run summary into a read model. Both methods must
// be idempotent.
type Projector interface {
	Name() string
	Project(ctx context.Context, summary Summary) error
	Retract(ctx context.Context, aggregateID string) error
}

// Notifier delivers a run summary to an external target
type Notifier interface {
	Name() string
	Notify(ctx context.Context, summary Summary) error
}

// Metrics is the subset of metrics.Metrics the workflow records into
type Metrics interface {
	IncrementCounter(name string)
	IncrementCounterBy(name string, value int64)
}

// Config wires the workflow's collaborators
type Config struct {
	Adapters   *adapters.Registry
	Guards     *resilience.Guards
	Events     eventstore.EventStore
	Projectors []Projector
	Notifiers  []Notifier
	Metrics    Metrics

	StepTimeout  time.Duration
	FetchRetries int
}

// Workflow builds the reconciliation saga definition
type Workflow struct {
	adapters   *adapters.Registry
	guards     *resilience.Guards
	events     eventstore.EventStore
	projectors []Projector
	notifiers  map[string]Notifier
	metrics    Metrics

	stepTimeout  time.Duration
	fetchRetries int
}

// NewWorkflow creates a new workflow
func NewWorkflow(cfg Config) *Workflow {
	if cfg.Guards == nil {
		cfg.Guards = resilience.NewGuards(resilience.GuardConfig{
			Breaker: resilience.DefaultBreakerConfig(""),
			Retry:   resilience.DefaultPolicy(),
		})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = defaultFetchRetries
	}

	notifiers := make(map[string]Notifier, len(cfg.Notifiers))
	for _, n := range cfg.Notifiers {
		notifiers[n.Name()] = n
	}

	return &Workflow{
		adapters:     cfg.Adapters,
		guards:       cfg.Guards,
		events:       cfg.Events,
		projectors:   cfg.Projectors,
		notifiers:    notifiers,
		metrics:      cfg.Metrics,
		stepTimeout:  cfg.StepTimeout,
		fetchRetries: cfg.FetchRetries,
	}
}

// Definition returns the five step reconciliation saga
func (w *Workflow) Definition() saga.Definition {
	return saga.Definition{
		Type:        SagaType,
		DataVersion: DataVersion,
		Steps: []saga.Step{
			&fetchStep{w: w, name: StepFetchSource, side: matching.SideSource},
			&fetchStep{w: w, name: StepFetchTarget, side: matching.SideTarget},
			&matchStep{w: w},
			&persistStep{w: w},
			&notifyStep{w: w},
		},
		OnComplete: w.onComplete,
		OnFailure:  w.onFailure,
	}
}

func (w *Workflow) onComplete(ctx context.Context, state saga.State) error {
	var data RunData
	if err := state.Data.Decode(&data); err != nil {
		return err
	}

	completed := domain.ReconciliationCompletedEvent{SagaID: state.SagaID}
	if data.Summary != nil {
		completed.Matched = data.Summary.Matched
		completed.UnmatchedSource = data.Summary.UnmatchedSource
		completed.UnmatchedTarget = data.Summary.UnmatchedTarget
		completed.MatchRate = data.Summary.MatchRate
	}

	event, err := domain.NewEventWithID(eventID(state.SagaID, state.Attempt, "completed"),
		state.AggregateID, domain.ReconciliationAggregate, domain.ReconciliationCompleted, completed, hookMetadata(state))
	if err != nil {
		return err
	}
	if _, err := w.events.Append(ctx, event); err != nil {
		return err
	}

	log.Info().
		Str("saga_id", state.SagaID).
		Str("aggregate_id", state.AggregateID).
		Str("tenant_id", state.TenantID).
		Int("matched", completed.Matched).
		Float64("match_rate", completed.MatchRate).
		Msg("Reconciliation completed")
	return nil
}

func (w *Workflow) onFailure(ctx context.Context, state saga.State, cause error) error {
	step := state.CurrentStep
	if failed := state.StepsWithStatus(saga.StepFailed); len(failed) > 0 {
		step = failed[len(failed)-1]
	}

	event, err := domain.NewEventWithID(eventID(state.SagaID, state.Attempt, "failed"),
		state.AggregateID, domain.ReconciliationAggregate, domain.ReconciliationFailed,
		domain.ReconciliationFailedEvent{
			SagaID:    state.SagaID,
			Step:      step,
			ErrorType: saga.ErrorType(cause),
			Message:   cause.Error(),
		}, hookMetadata(state))
	if err != nil {
		return err
	}
	_, err = w.events.Append(ctx, event)
	return err
}

func hookMetadata(state saga.State) domain.Metadata {
	return domain.Metadata{
		TenantID:      state.TenantID,
		CorrelationID: state.CorrelationID,
		CausationID:   state.SagaID,
	}
}

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("settler.reconciliation.events"))

// eventID derives a stable event id from the saga, its run attempt and the
// decision it records, so a re-executed step appends nothing new
func eventID(sagaID string, attempt int, parts ...string) string {
	key := make([]string, 0, len(parts)+2)
	key = append(key, sagaID, strconv.Itoa(attempt))
	key = append(key, parts...)
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(key, "|"))).String()
}

func decodeRun(exec *saga.Execution) (RunData, error) {
	var data RunData
	if err := exec.Data.Decode(&data); err != nil {
		return RunData{}, saga.Permanent(err)
	}
	return data, nil
}

func encodeRun(exec *saga.Execution, data RunData) error {
	if err := exec.Data.Encode(data); err != nil {
		return saga.Permanent(fmt.Errorf("failed to store run data: %w", err))
	}
	return nil
}
