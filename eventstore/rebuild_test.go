package eventstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

func seedRun(t *testing.T, store EventStore, runID string) {
	t.Helper()
	ctx := context.Background()
	md := domain.Metadata{TenantID: "tenant-1", CorrelationID: runID}

	payloads := []struct {
		eventType string
		data      interface{}
	}{
		{domain.SourceRecordsFetched, domain.RecordsFetchedEvent{Provider: "stripe", Side: "source", Count: 2}},
		{domain.TargetRecordsFetched, domain.RecordsFetchedEvent{Provider: "ledger", Side: "target", Count: 1}},
		{domain.RecordMatched, domain.RecordMatchedEvent{SourceID: "s1", TargetID: "t1", Confidence: 1}},
		{domain.RecordUnmatched, domain.RecordUnmatchedEvent{RecordID: "s2", Side: "source", Reason: "no unclaimed target records"}},
		{domain.MatchingCompleted, domain.MatchingCompletedEvent{Matched: 1, UnmatchedSource: 1, MatchRate: 0.5}},
		{domain.ReconciliationCompleted, domain.ReconciliationCompletedEvent{SagaID: "saga-1", Matched: 1, MatchRate: 0.5}},
	}
	for _, p := range payloads {
		event, err := domain.NewEvent(runID, domain.ReconciliationAggregate, p.eventType, p.data, md)
		require.NoError(t, err)
		_, err = store.Append(ctx, event)
		require.NoError(t, err)
	}
}

func TestRebuildFoldsEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	seedRun(t, store, "run-1")

	state, version, err := Rebuild(ctx, store, "run-1", domain.ReconciliationAggregate, domain.RunState{}, domain.ApplyRunEvent)
	require.NoError(t, err)
	require.Equal(t, 6, version)
	require.Equal(t, domain.RunStatusCompleted, state.Status)
	require.Equal(t, "stripe", state.SourceProvider)
	require.Equal(t, map[string]string{"s1": "t1"}, state.Matches)
	require.Contains(t, state.UnmatchedSource, "s2")
	require.Equal(t, "saga-1", state.SagaID)

	again, againVersion, err := Rebuild(ctx, store, "run-1", domain.ReconciliationAggregate, domain.RunState{}, domain.ApplyRunEvent)
	require.NoError(t, err)
	require.Equal(t, version, againVersion)
	require.Equal(t, state, again)
}

func TestRebuildFromSnapshotMatchesFullReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	seedRun(t, store, "run-1")

	full, _, err := Rebuild(ctx, store, "run-1", domain.ReconciliationAggregate, domain.RunState{}, domain.ApplyRunEvent)
	require.NoError(t, err)

	aggregate := domain.NewReconciliationRun("run-1")
	events, err := store.GetEvents(ctx, "run-1", domain.ReconciliationAggregate, 1)
	require.NoError(t, err)
	for _, event := range events[:4] {
		require.NoError(t, aggregate.Apply(event))
	}
	require.NoError(t, TakeSnapshot(ctx, store, aggregate, events[3].ID))

	fromSnapshot, version, err := Rebuild(ctx, store, "run-1", domain.ReconciliationAggregate, domain.RunState{}, domain.ApplyRunEvent)
	require.NoError(t, err)
	require.Equal(t, 6, version)
	require.Equal(t, full, fromSnapshot)
}

func TestLoadAggregate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	seedRun(t, store, "run-1")

	aggregate := domain.NewReconciliationRun("run-1")
	require.NoError(t, Load(ctx, store, aggregate))
	require.Equal(t, 6, aggregate.GetVersion())
	require.Equal(t, domain.RunStatusCompleted, aggregate.State.Status)

	require.NoError(t, TakeSnapshot(ctx, store, aggregate, ""))

	reloaded := domain.NewReconciliationRun("run-1")
	require.NoError(t, Load(ctx, store, reloaded))
	require.Equal(t, aggregate.GetVersion(), reloaded.GetVersion())
	require.Equal(t, aggregate.State.Matches, reloaded.State.Matches)

	require.Error(t, Load(ctx, store, domain.NewReconciliationRun("")))
}
