package projections

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
)

// Snapshotter snapshots a reconciliation run every frequency events
type Snapshotter struct {
	events    eventstore.EventStore
	frequency int
	metrics   Metrics
}

// NewSnapshotter creates a snapshotter. A frequency below one disables it.
func NewSnapshotter(events eventstore.EventStore, frequency int, m Metrics) *Snapshotter {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Snapshotter{events: events, frequency: frequency, metrics: m}
}

func (s *Snapshotter) Name() string {
	return "snapshotter"
}

func (s *Snapshotter) Handle(ctx context.Context, event domain.Event) error {
	if s.frequency < 1 || event.AggregateType != domain.ReconciliationAggregate || event.Version%s.frequency != 0 {
		return nil
	}

	run := domain.NewReconciliationRun(event.AggregateID)
	if err := eventstore.Load(ctx, s.events, run); err != nil {
		return fmt.Errorf("failed to load run %s for snapshot: %w", event.AggregateID, err)
	}
	if err := eventstore.TakeSnapshot(ctx, s.events, run, event.ID); err != nil {
		return fmt.Errorf("failed to snapshot run %s: %w", event.AggregateID, err)
	}

	s.metrics.IncrementCounter(metrics.SnapshotsTaken)
	log.Info().
		Str("aggregate_id", event.AggregateID).
		Int("version", run.GetVersion()).
		Msg("Took reconciliation run snapshot")
	return nil
}
