package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

func newTestEvent(t *testing.T, aggregateID, eventType string, version int) *domain.Event {
	t.Helper()
	event, err := domain.NewEvent(aggregateID, domain.ReconciliationAggregate, eventType,
		map[string]string{"k": "v"}, domain.Metadata{TenantID: "tenant-1", CorrelationID: "corr-" + aggregateID})
	require.NoError(t, err)
	event.Version = version
	return event
}

func TestMemoryStoreAssignsGaplessVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	for i := 0; i < 3; i++ {
		stored, err := store.Append(ctx, newTestEvent(t, "run-1", domain.SourceRecordsFetched, 0))
		require.NoError(t, err)
		require.Equal(t, i+1, stored.Version)
		require.False(t, stored.CreatedAt.IsZero())
	}

	events, err := store.GetEvents(ctx, "run-1", domain.ReconciliationAggregate, 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		require.Equal(t, i+1, event.Version)
	}

	tail, err := store.GetEvents(ctx, "run-1", domain.ReconciliationAggregate, 3)
	require.NoError(t, err)
	require.Len(t, tail, 1)
}

func TestMemoryStoreRejectsVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	_, err := store.Append(ctx, newTestEvent(t, "run-1", domain.SourceRecordsFetched, 1))
	require.NoError(t, err)

	_, err = store.Append(ctx, newTestEvent(t, "run-1", domain.TargetRecordsFetched, 1))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConcurrencyConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, 1, conflict.ExpectedVersion)
	require.Equal(t, 1, conflict.ActualVersion)

	// Skipping ahead is also a conflict
	_, err = store.Append(ctx, newTestEvent(t, "run-1", domain.TargetRecordsFetched, 3))
	require.True(t, errors.Is(err, ErrConcurrencyConflict))

	_, err = store.Append(ctx, newTestEvent(t, "run-1", domain.TargetRecordsFetched, 2))
	require.NoError(t, err)
}

func TestMemoryStoreIdempotentAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	event := newTestEvent(t, "run-1", domain.RecordMatched, 0)
	first, err := store.Append(ctx, event)
	require.NoError(t, err)

	retry := *event
	retry.Version = 0
	second, err := store.Append(ctx, &retry)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Version, second.Version)

	events, err := store.GetEvents(ctx, "run-1", domain.ReconciliationAggregate, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestMemoryStoreAppendManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	batch := []*domain.Event{
		newTestEvent(t, "run-1", domain.RecordMatched, 0),
		newTestEvent(t, "run-1", domain.RecordMatched, 0),
		newTestEvent(t, "run-1", domain.RecordMatched, 7),
	}
	_, err := store.AppendMany(ctx, batch)
	require.True(t, errors.Is(err, ErrConcurrencyConflict))

	events, err := store.GetEvents(ctx, "run-1", domain.ReconciliationAggregate, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	batch[2].Version = 3
	stored, err := store.AppendMany(ctx, batch)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, []int{1, 2, 3}, []int{stored[0].Version, stored[1].Version, stored[2].Version})
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event, err := domain.NewEvent("run-1", domain.ReconciliationAggregate, domain.RecordMatched, nil, domain.Metadata{})
			if err != nil {
				return
			}
			_, _ = store.Append(ctx, event)
		}()
	}
	wg.Wait()

	events, err := store.GetEvents(ctx, "run-1", domain.ReconciliationAggregate, 0)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i, event := range events {
		require.Equal(t, i+1, event.Version)
	}
}

func TestMemoryStoreValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	_, err := store.Append(ctx, &domain.Event{AggregateType: domain.SagaAggregate, Type: domain.SagaStarted})
	require.Error(t, err)

	_, err = store.Append(ctx, &domain.Event{AggregateID: "a", AggregateType: domain.SagaAggregate})
	require.Error(t, err)

	stored, err := store.Append(ctx, &domain.Event{AggregateID: "a", AggregateType: domain.SagaAggregate, Type: domain.SagaStarted})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
}

func TestMemoryStoreQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, newTestEvent(t, fmt.Sprintf("run-%d", i), domain.RecordMatched, 0))
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, newTestEvent(t, "run-0", domain.MatchingCompleted, 0))
	require.NoError(t, err)

	matched, err := store.GetEventsByType(ctx, domain.RecordMatched, 0)
	require.NoError(t, err)
	require.Len(t, matched, 3)

	limited, err := store.GetEventsByType(ctx, domain.RecordMatched, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "run-0", limited[0].AggregateID)

	chain, err := store.GetEventsByCorrelationID(ctx, "corr-run-0")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, domain.MatchingCompleted, chain[1].Type)
}

func TestMemoryStoreSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, newTestEvent(t, "run-1", domain.RecordMatched, 0))
		require.NoError(t, err)
	}

	snapshot, events, err := store.GetEventsAfterSnapshot(ctx, "run-1", domain.ReconciliationAggregate)
	require.NoError(t, err)
	require.Nil(t, snapshot)
	require.Len(t, events, 4)

	err = store.SaveSnapshot(ctx, domain.Snapshot{
		AggregateID: "run-1", AggregateType: domain.ReconciliationAggregate, Version: 5, Data: []byte(`{}`),
	})
	require.Error(t, err)

	err = store.SaveSnapshot(ctx, domain.Snapshot{
		AggregateID: "run-1", AggregateType: domain.ReconciliationAggregate, Version: 3, Data: []byte(`{}`),
	})
	require.NoError(t, err)

	snapshot, events, err = store.GetEventsAfterSnapshot(ctx, "run-1", domain.ReconciliationAggregate)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	require.Equal(t, 3, snapshot.Version)
	require.Len(t, events, 1)
	require.Equal(t, 4, events[0].Version)
}

func TestMemoryStoreProcessedFlag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	first, err := store.Append(ctx, newTestEvent(t, "run-1", domain.RecordMatched, 0))
	require.NoError(t, err)
	_, err = store.Append(ctx, newTestEvent(t, "run-1", domain.RecordMatched, 0))
	require.NoError(t, err)

	pending, err := store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, store.MarkEventProcessed(ctx, first.ID, errors.New("projection down")))
	pending, err = store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, store.MarkEventProcessed(ctx, first.ID, nil))
	pending, err = store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.Error(t, store.MarkEventProcessed(ctx, "missing", nil))
}
