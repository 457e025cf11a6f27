package projections

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
)

const (
	defaultBatchSize          = 100
	defaultProcessingInterval = 5 * time.Second
)

// Handler consumes one stored event. Handlers must be idempotent: an event
// whose handling failed is offered again on the next batch.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event domain.Event) error
}

// Metrics is the subset of metrics.Metrics the processor records into
type Metrics interface {
	IncrementCounter(name string)
}

// EventProcessor polls the event store for unprocessed events and hands them
// to every handler
type EventProcessor struct {
	events             eventstore.EventStore
	handlers           []Handler
	metrics            Metrics
	batchSize          int
	processingInterval time.Duration
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(events eventstore.EventStore, m Metrics, handlers ...Handler) *EventProcessor {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &EventProcessor{
		events:             events,
		handlers:           handlers,
		metrics:            m,
		batchSize:          defaultBatchSize,
		processingInterval: defaultProcessingInterval,
	}
}

// WithInterval sets the polling interval
func (p *EventProcessor) WithInterval(interval time.Duration) *EventProcessor {
	if interval > 0 {
		p.processingInterval = interval
	}
	return p
}

// Run processes batches until ctx is done
func (p *EventProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.processingInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.processingInterval).Msg("Event processor started")
	for {
		select {
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to process event batch")
			}
		case <-ctx.Done():
			log.Info().Msg("Event processor stopped")
			return nil
		}
	}
}

// ProcessBatch handles one batch and returns how many events were marked processed
func (p *EventProcessor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.events.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	log.Debug().Int("count", len(events)).Msg("Processing events")

	processed := 0
	for _, event := range events {
		handleErr := p.processEvent(ctx, event)
		if handleErr != nil {
			log.Error().Err(handleErr).Str("event_id", event.ID).Str("event_type", event.Type).Msg("Failed to process event")
		}
		if err := p.events.MarkEventProcessed(ctx, event.ID, handleErr); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to mark event as processed")
			continue
		}
		if handleErr == nil {
			processed++
			p.metrics.IncrementCounter(metrics.EventsProjected)
		}
	}
	return processed, nil
}

func (p *EventProcessor) processEvent(ctx context.Context, event domain.Event) error {
	for _, handler := range p.handlers {
		if err := handler.Handle(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
