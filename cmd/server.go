package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shardie-github/Settler-API-sub003/api"
	"github.com/shardie-github/Settler-API-sub003/messaging"
)

const drainTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long:  `Start the admin HTTP API and, when Service Bus is configured, the command consumer`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		a.close(ctx)
	}()

	server := api.NewServer(cfg.Server, api.Dependencies{
		Reconciliations: a.service,
		Sagas:           a.orchestrator,
		Events:          a.stores.events,
		DeadLetters:     a.deadLetters,
		Guards:          a.guards,
		Metrics:         a.metrics,
		Tracer:          a.tracer,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if a.bus != nil {
		consumer := messaging.NewConsumer(a.bus, messaging.ConsumerConfig{
			QueueName:        cfg.Azure.CommandsQueueName,
			MaxDeliveryCount: cfg.Azure.MaxDeliveryCount,
		}, messaging.NewProcessor(a.service, a.orchestrator, a.metrics), a.deadLetters)

		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.CommandsQueueName).Msg("Starting Service Bus consumer")
			return consumer.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}
	log.Info().Msg("Server shut down gracefully")
	return nil
}
