package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/pkg/errors"

	"github.com/shardie-github/Settler-API-sub003/config"
	"github.com/shardie-github/Settler-API-sub003/domain"
)

// EventIndexer copies every stored event into the events search index
type EventIndexer struct {
	es    *elasticsearch.Client
	index string
}

// NewEventIndexer creates a new event indexer
func NewEventIndexer(es *elasticsearch.Client, cfg config.ElasticConfig) *EventIndexer {
	return &EventIndexer{es: es, index: config.FormatIndex(cfg, EventsIndex)}
}

type eventDocument struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Version       int             `json:"version"`
	TenantID      string          `json:"tenant_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (i *EventIndexer) Name() string {
	return "event-indexer"
}

func (i *EventIndexer) Handle(ctx context.Context, event domain.Event) error {
	doc, err := json.Marshal(eventDocument{
		EventID:       event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.Type,
		Version:       event.Version,
		TenantID:      event.Metadata.TenantID,
		CorrelationID: event.Metadata.CorrelationID,
		CausationID:   event.Metadata.CausationID,
		Data:          event.Data,
		Timestamp:     event.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	res, err := i.es.Index(
		i.index,
		bytes.NewReader(doc),
		i.es.Index.WithContext(ctx),
		i.es.Index.WithDocumentID(event.ID),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to index event %s", event.ID)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("error indexing event %s: %s", event.ID, res.String())
	}
	return nil
}
