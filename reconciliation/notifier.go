package reconciliation

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogNotifier writes run summaries to the log. It is the fallback target
// when no message bus is configured.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(ctx context.Context, summary Summary) error {
	log.Info().
		Str("aggregate_id", summary.AggregateID).
		Str("saga_id", summary.SagaID).
		Str("tenant_id", summary.TenantID).
		Str("correlation_id", summary.CorrelationID).
		Str("source_provider", summary.SourceProvider).
		Str("target_provider", summary.TargetProvider).
		Int("matched", summary.Matched).
		Int("unmatched_source", summary.UnmatchedSource).
		Int("unmatched_target", summary.UnmatchedTarget).
		Float64("match_rate", summary.MatchRate).
		Msg("Reconciliation summary")
	return nil
}
