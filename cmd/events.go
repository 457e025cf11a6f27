package cmd

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/database"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
)

var (
	aggregateType string
	aggregateID   string
	correlationID string
	fromVersion   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print an event history",
	Long:  `Print the events of one aggregate, or of every aggregate sharing a correlation id, as JSON lines`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores(cfg, metrics.NewMetrics())
		if err != nil {
			return err
		}
		if s.db != nil {
			defer database.Close(s.db)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()
		return printEvents(ctx, cmd.OutOrStdout(), s.events)
	},
}

func init() {
	eventsCmd.Flags().StringVar(&aggregateType, "aggregate-type", domain.ReconciliationAggregate, "aggregate type")
	eventsCmd.Flags().StringVar(&aggregateID, "aggregate-id", "", "aggregate id")
	eventsCmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id, instead of an aggregate")
	eventsCmd.Flags().IntVar(&fromVersion, "from-version", 0, "first version to print")
	rootCmd.AddCommand(eventsCmd)
}

func printEvents(ctx context.Context, out io.Writer, store eventstore.EventStore) error {
	var (
		events []domain.Event
		err    error
	)
	switch {
	case correlationID != "":
		events, err = store.GetEventsByCorrelationID(ctx, correlationID)
	case aggregateID != "":
		events, err = store.GetEvents(ctx, aggregateID, aggregateType, fromVersion)
	default:
		return errors.New("either --aggregate-id or --correlation-id is required")
	}
	if err != nil {
		return errors.Wrap(err, "failed to read events")
	}

	enc := json.NewEncoder(out)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return nil
}
