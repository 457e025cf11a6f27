package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

// Rebuild folds an aggregate's state from its latest snapshot and the events
// after it. It returns the state and the version it reflects. Rebuilding twice
// with no appends in between yields the same state.
func Rebuild[S any](
	ctx context.Context,
	store EventStore,
	aggregateID, aggregateType string,
	initial S,
	apply func(S, domain.Event) (S, error),
) (S, int, error) {
	state := initial
	version := 0

	snapshot, events, err := store.GetEventsAfterSnapshot(ctx, aggregateID, aggregateType)
	if err != nil {
		return state, 0, err
	}

	if snapshot != nil {
		if err := json.Unmarshal(snapshot.Data, &state); err != nil {
			return initial, 0, fmt.Errorf("failed to decode snapshot of %s/%s: %w", aggregateType, aggregateID, err)
		}
		version = snapshot.Version
	}

	for _, event := range events {
		if event.Version != version+1 {
			return initial, 0, fmt.Errorf("gap in %s/%s: expected version %d, got %d",
				aggregateType, aggregateID, version+1, event.Version)
		}
		state, err = apply(state, event)
		if err != nil {
			return initial, 0, fmt.Errorf("failed to apply event %s: %w", event.ID, err)
		}
		version = event.Version
	}

	return state, version, nil
}

// Load rehydrates an aggregate in place
func Load(ctx context.Context, store EventStore, aggregate domain.Aggregate) error {
	if aggregate.GetID() == "" {
		return fmt.Errorf("aggregate ID is empty")
	}

	snapshot, events, err := store.GetEventsAfterSnapshot(ctx, aggregate.GetID(), aggregate.GetType())
	if err != nil {
		return err
	}

	if snapshot != nil {
		if err := aggregate.Restore(snapshot.Data, snapshot.Version); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	}

	for _, event := range events {
		if err := aggregate.Apply(event); err != nil {
			return err
		}
	}
	return nil
}

// TakeSnapshot captures an aggregate's current state
func TakeSnapshot(ctx context.Context, store EventStore, aggregate domain.Aggregate, sourceEventID string) error {
	if aggregate.GetVersion() == 0 {
		return nil
	}
	data, err := aggregate.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to serialise aggregate: %w", err)
	}
	return store.SaveSnapshot(ctx, domain.Snapshot{
		AggregateID:   aggregate.GetID(),
		AggregateType: aggregate.GetType(),
		Data:          data,
		Version:       aggregate.GetVersion(),
		SourceEventID: sourceEventID,
	})
}
