package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shardie-github/Settler-API-sub003/config"
	"github.com/shardie-github/Settler-API-sub003/models"
	"github.com/shardie-github/Settler-API-sub003/reconciliation"
)

// ResultsProjector keeps the reconciliation_results table and the
// reconciliations search index in step with completed matching passes.
// Either backend may be nil.
type ResultsProjector struct {
	db    *gorm.DB
	es    *elasticsearch.Client
	index string
}

// NewResultsProjector creates a new results projector
func NewResultsProjector(db *gorm.DB, es *elasticsearch.Client, cfg config.ElasticConfig) *ResultsProjector {
	return &ResultsProjector{
		db:    db,
		es:    es,
		index: config.FormatIndex(cfg, ReconciliationsIndex),
	}
}

func (p *ResultsProjector) Name() string {
	return "results"
}

// Project upserts the run's row and document
func (p *ResultsProjector) Project(ctx context.Context, summary reconciliation.Summary) error {
	now := time.Now().UTC()
	row := models.ReconciliationResult{
		AggregateID:     summary.AggregateID,
		SagaID:          summary.SagaID,
		TenantID:        summary.TenantID,
		SourceProvider:  summary.SourceProvider,
		TargetProvider:  summary.TargetProvider,
		Matched:         summary.Matched,
		UnmatchedSource: summary.UnmatchedSource,
		UnmatchedTarget: summary.UnmatchedTarget,
		MatchRate:       summary.MatchRate,
		PeriodFrom:      summary.From,
		PeriodTo:        summary.To,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if p.db != nil {
		err := p.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "aggregate_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"saga_id", "matched", "unmatched_source", "unmatched_target", "match_rate", "updated_at",
				}),
			}).
			Create(&row).Error
		if err != nil {
			return errors.Wrapf(err, "failed to upsert reconciliation result %s", summary.AggregateID)
		}
	}

	if p.es != nil {
		doc, err := json.Marshal(row)
		if err != nil {
			return errors.Wrap(err, "failed to marshal reconciliation result")
		}
		res, err := p.es.Index(
			p.index,
			bytes.NewReader(doc),
			p.es.Index.WithContext(ctx),
			p.es.Index.WithDocumentID(summary.AggregateID),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to index reconciliation result %s", summary.AggregateID)
		}
		defer res.Body.Close()

		if res.IsError() {
			return errors.Errorf("error indexing reconciliation result %s: %s", summary.AggregateID, res.String())
		}
	}

	log.Debug().
		Str("aggregate_id", summary.AggregateID).
		Str("tenant_id", summary.TenantID).
		Msg("Projected reconciliation result")
	return nil
}

// Retract deletes the run's row and document. Missing ones are not an error.
func (p *ResultsProjector) Retract(ctx context.Context, aggregateID string) error {
	if p.db != nil {
		err := p.db.WithContext(ctx).
			Where("aggregate_id = ?", aggregateID).
			Delete(&models.ReconciliationResult{}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to delete reconciliation result %s", aggregateID)
		}
	}

	if p.es != nil {
		res, err := p.es.Delete(p.index, aggregateID, p.es.Delete.WithContext(ctx))
		if err != nil {
			return errors.Wrapf(err, "failed to delete reconciliation document %s", aggregateID)
		}
		defer res.Body.Close()

		if res.IsError() && res.StatusCode != http.StatusNotFound {
			return errors.Errorf("error deleting reconciliation document %s: %s", aggregateID, res.String())
		}
	}
	return nil
}
