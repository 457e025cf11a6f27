package reconciliation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardie-github/Settler-API-sub003/adapters"
	"github.com/shardie-github/Settler-API-sub003/deadletter"
	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/resilience"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

var (
	periodFrom = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	periodTo   = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func day(d, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

func sourceRecords() []matching.Record {
	return []matching.Record{
		{ID: "s1", Amount: 100, Currency: "USD", Date: day(5, 0)},
		{ID: "s2", Amount: 50, Currency: "USD", Date: day(6, 0)},
		{ID: "s3", Amount: 75, Currency: "USD", Date: day(7, 0)},
	}
}

func targetRecords() []matching.Record {
	return []matching.Record{
		{ID: "t1", Amount: 100, Currency: "USD", Date: day(5, 12)},
		{ID: "t2", Amount: 50, Currency: "USD", Date: day(6, 0)},
	}
}

type recordingProjector struct {
	mu         sync.Mutex
	projectErr error
	projected  []Summary
	retracted  []string
}

func (p *recordingProjector) Name() string { return "recording" }

func (p *recordingProjector) Project(ctx context.Context, summary Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.projectErr != nil {
		return p.projectErr
	}
	p.projected = append(p.projected, summary)
	return nil
}

func (p *recordingProjector) Retract(ctx context.Context, aggregateID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retracted = append(p.retracted, aggregateID)
	return nil
}

type recordingNotifier struct {
	name  string
	err   error
	calls atomic.Int32
	// failures fails only the first calls when err is unset
	failures int32
}

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Notify(ctx context.Context, summary Summary) error {
	if n.calls.Add(1) <= n.failures {
		return errors.New("connection reset")
	}
	return n.err
}

// flakyAdapter fails its first call with a transient provider error
type flakyAdapter struct {
	*adapters.StaticAdapter
	calls atomic.Int32
}

func (a *flakyAdapter) Fetch(ctx context.Context, req adapters.FetchRequest) ([]matching.Record, error) {
	if a.calls.Add(1) == 1 {
		return nil, resilience.NewExternalCallError("fetch records", 503, errors.New("service unavailable"))
	}
	return a.StaticAdapter.Fetch(ctx, req)
}

type fixture struct {
	service     *Service
	events      *eventstore.MemoryEventStore
	deadLetters *deadletter.Queue
	projector   *recordingProjector
	notifier    *recordingNotifier
}

func newFixture(t *testing.T, source adapters.Adapter, notifiers ...Notifier) *fixture {
	t.Helper()

	registry := adapters.NewRegistry()
	require.NoError(t, registry.Register(source))
	require.NoError(t, registry.Register(adapters.NewStaticAdapter("ledger", targetRecords())))

	f := &fixture{
		events:    eventstore.NewMemoryEventStore(),
		projector: &recordingProjector{},
		notifier:  &recordingNotifier{name: "webhook"},
	}
	f.deadLetters = deadletter.NewQueue(deadletter.NewMemoryStore(), f.events)
	if len(notifiers) == 0 {
		notifiers = []Notifier{f.notifier}
	}

	fast := resilience.Policy{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
	orchestrator := saga.NewOrchestrator(saga.Options{
		Store:       saga.NewMemoryStore(),
		Events:      f.events,
		DeadLetters: f.deadLetters,
		Backoff:     fast,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
	})

	workflow := NewWorkflow(Config{
		Adapters: registry,
		Guards: resilience.NewGuards(resilience.GuardConfig{
			Breaker: resilience.DefaultBreakerConfig(""),
			Retry:   resilience.Policy{MaxRetries: 0},
		}),
		Events:      f.events,
		Projectors:  []Projector{f.projector},
		Notifiers:   notifiers,
		StepTimeout: 2 * time.Second,
	})

	service, err := NewService(orchestrator, workflow, matching.Config{})
	require.NoError(t, err)
	f.service = service
	return f
}

func startRequest() StartRequest {
	return StartRequest{
		TenantID:       "tenant-1",
		SourceProvider: "stripe",
		TargetProvider: "ledger",
		From:           periodFrom,
		To:             periodTo,
		CorrelationID:  "corr-1",
		AggregateID:    "run-1",
	}
}

func eventTypes(t *testing.T, store eventstore.EventStore, aggregateID string) []string {
	t.Helper()
	events, err := store.GetEvents(context.Background(), aggregateID, domain.ReconciliationAggregate, 1)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestReconciliationCompletes(t *testing.T) {
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()))
	ctx := context.Background()

	state, err := f.service.Start(ctx, startRequest())
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, state.Status)
	assert.Equal(t, []string{
		StepFetchSource, StepFetchTarget, StepPerformMatching, StepPersistResults, StepNotify,
	}, state.StepsWithStatus(saga.StepCompleted))

	assert.Equal(t, []string{
		domain.SourceRecordsFetched,
		domain.TargetRecordsFetched,
		domain.RecordMatched,
		domain.RecordMatched,
		domain.RecordUnmatched,
		domain.MatchingCompleted,
		domain.ResultsPersisted,
		domain.NotificationsDispatched,
		domain.ReconciliationCompleted,
	}, eventTypes(t, f.events, "run-1"))

	run, err := f.service.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, "tenant-1", run.TenantID)
	assert.Equal(t, state.SagaID, run.SagaID)
	assert.Equal(t, 3, run.SourceCount)
	assert.Equal(t, 2, run.TargetCount)
	assert.Equal(t, map[string]string{"s1": "t1", "s2": "t2"}, run.Matches)
	assert.Contains(t, run.UnmatchedSource, "s3")
	assert.Empty(t, run.UnmatchedTarget)
	assert.InDelta(t, 2.0/3.0, run.MatchRate, 1e-9)
	assert.Equal(t, []string{"webhook"}, run.Notified)

	require.Len(t, f.projector.projected, 1)
	summary := f.projector.projected[0]
	assert.Equal(t, "run-1", summary.AggregateID)
	assert.Equal(t, 2, summary.Matched)
	assert.Equal(t, 1, summary.UnmatchedSource)
	assert.Equal(t, int32(1), f.notifier.calls.Load())

	var data RunData
	require.NoError(t, state.Data.Decode(&data))
	assert.Equal(t, []string{"recording"}, data.Projections)
	assert.Equal(t, []string{"webhook"}, data.Notified)
	require.NotNil(t, data.Summary)
	assert.Equal(t, "corr-1", data.Summary.CorrelationID)
}

func TestMatchingEventsAreIdempotent(t *testing.T) {
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()))
	ctx := context.Background()

	state, err := f.service.Start(ctx, startRequest())
	require.NoError(t, err)
	before := eventTypes(t, f.events, "run-1")

	md := domain.Metadata{TenantID: "tenant-1", CausationID: state.SagaID}
	again, err := domain.NewEventWithID(eventID(state.SagaID, state.Attempt, "matched", "s1"),
		"run-1", domain.ReconciliationAggregate, domain.RecordMatched,
		domain.RecordMatchedEvent{SourceID: "s1", TargetID: "t1", Attempt: state.Attempt}, md)
	require.NoError(t, err)

	stored, err := f.events.Append(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Version)
	assert.Equal(t, before, eventTypes(t, f.events, "run-1"))

	assert.Equal(t, eventID("saga-1", 1, "matched", "s1"), eventID("saga-1", 1, "matched", "s1"))
	assert.NotEqual(t, eventID("saga-1", 1, "matched", "s1"), eventID("saga-1", 2, "matched", "s1"))
	assert.NotEqual(t, eventID("saga-1", 1, "unmatched", "source", "x"), eventID("saga-1", 1, "unmatched", "target", "x"))
}

func TestPersistFailureCompensatesMatching(t *testing.T) {
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()))
	f.projector.projectErr = saga.Permanent(errors.New("read model unavailable"))
	ctx := context.Background()

	state, err := f.service.Start(ctx, startRequest())
	require.NoError(t, err)
	require.Equal(t, saga.StatusFailed, state.Status)
	assert.Equal(t, []string{StepPerformMatching, StepFetchTarget, StepFetchSource}, state.StepsWithStatus(saga.StepCompensated))

	types := eventTypes(t, f.events, "run-1")
	assert.Contains(t, types, domain.MatchingResultsVoided)
	assert.Equal(t, domain.ReconciliationFailed, types[len(types)-1])
	assert.NotContains(t, types, domain.ResultsPersisted)

	run, err := f.service.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, StepPersistResults, run.FailedStep)
	assert.True(t, run.Voided)
	assert.Empty(t, run.Matches)

	entries, err := f.deadLetters.GetEntriesByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, state.SagaID, entries[0].SagaID)
}

func TestNotificationFailureDoesNotFailRun(t *testing.T) {
	failing := &recordingNotifier{name: "webhook", err: errors.New("connection refused")}
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()), failing)
	ctx := context.Background()

	state, err := f.service.Start(ctx, startRequest())
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, state.Status)
	assert.Contains(t, state.StepsWithStatus(saga.StepFailed), StepNotify)
	assert.Equal(t, int32(defaultNotifyRetries+1), failing.calls.Load())
	assert.Empty(t, f.projector.retracted)

	events, err := f.events.GetEventsByType(ctx, domain.NotificationsDispatched, 0)
	require.NoError(t, err)
	require.Len(t, events, defaultNotifyRetries+1)
	var dispatched domain.NotificationsDispatchedEvent
	require.NoError(t, events[0].Decode(&dispatched))
	assert.Equal(t, "connection refused", dispatched.Failed["webhook"])

	run, err := f.service.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Empty(t, run.Notified)
}

func TestNotifyRetryOnlyResendsUndelivered(t *testing.T) {
	email := &recordingNotifier{name: "email"}
	webhook := &recordingNotifier{name: "webhook", failures: 1}
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()), email, webhook)
	ctx := context.Background()

	state, err := f.service.Start(ctx, startRequest())
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, state.Status)
	assert.Equal(t, int32(1), email.calls.Load())
	assert.Equal(t, int32(2), webhook.calls.Load())

	events, err := f.events.GetEventsByType(ctx, domain.NotificationsDispatched, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	var first, second domain.NotificationsDispatchedEvent
	require.NoError(t, events[0].Decode(&first))
	require.NoError(t, events[1].Decode(&second))
	assert.Equal(t, []string{"email"}, first.Delivered)
	assert.Contains(t, first.Failed, "webhook")
	assert.Equal(t, []string{"webhook"}, second.Delivered)
	assert.Empty(t, second.Failed)

	var data RunData
	require.NoError(t, state.Data.Decode(&data))
	assert.Equal(t, []string{"email", "webhook"}, data.Notified)

	run, err := f.service.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "webhook"}, run.Notified)
}

func TestTransientFetchFailureIsRetried(t *testing.T) {
	flaky := &flakyAdapter{StaticAdapter: adapters.NewStaticAdapter("stripe", sourceRecords())}
	f := newFixture(t, flaky)

	state, err := f.service.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, state.Status)
	assert.Equal(t, int32(2), flaky.calls.Load())

	var failed []saga.StepRecord
	for _, record := range state.StepHistory {
		if record.Status == saga.StepFailed {
			failed = append(failed, record)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, StepFetchSource, failed[0].Step)
	assert.Equal(t, 1, failed[0].StepAttempt)
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()))

	tests := []struct {
		name   string
		modify func(*StartRequest)
		want   error
	}{
		{name: "missing tenant", modify: func(r *StartRequest) { r.TenantID = "" }},
		{name: "same provider", modify: func(r *StartRequest) { r.TargetProvider = r.SourceProvider }},
		{name: "inverted period", modify: func(r *StartRequest) { r.From, r.To = r.To, r.From }},
		{name: "unknown provider", modify: func(r *StartRequest) { r.TargetProvider = "paypal" }, want: adapters.ErrProviderNotFound},
		{name: "invalid rule", modify: func(r *StartRequest) {
			r.Rules = []matching.Rule{{Field: "amount", Type: "sideways"}}
		}},
		{name: "unknown rule field", modify: func(r *StartRequest) {
			r.Rules = []matching.Rule{{Field: "colour", Type: matching.RuleExact}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := startRequest()
			tt.modify(&req)
			_, err := f.service.Start(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want))
			}
		})
	}

	assert.Empty(t, eventTypes(t, f.events, "run-1"))
}

func TestGetRunUnknown(t *testing.T) {
	f := newFixture(t, adapters.NewStaticAdapter("stripe", sourceRecords()))

	_, err := f.service.GetRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}
