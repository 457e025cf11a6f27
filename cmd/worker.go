package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shardie-github/Settler-API-sub003/config"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/projections"
	"github.com/shardie-github/Settler-API-sub003/reconciliation"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

const defaultLookback = 24 * time.Hour

var scheduleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("settler/schedules"))

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Run scheduled reconciliations, resume stale sagas and project events into read models`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	handlers := []projections.Handler{
		projections.NewSnapshotter(a.stores.events, cfg.SnapshotFrequency, a.metrics),
	}
	if a.es != nil {
		handlers = append(handlers, projections.NewEventIndexer(a.es, cfg.Elasticsearch))
	}
	processor := projections.NewEventProcessor(a.stores.events, a.metrics, handlers...)
	g.Go(func() error {
		return processor.Run(ctx)
	})

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if err := registerJobs(ctx, scheduler, a, cfg); err != nil {
			return err
		}

		scheduler.Start()
		log.Info().Int("jobs", len(scheduler.Jobs())).Msg("Scheduler started")

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}
	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func registerJobs(ctx context.Context, scheduler gocron.Scheduler, a *app, cfg config.Config) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Saga.SweepInterval),
		gocron.NewTask(func() {
			if _, err := a.orchestrator.SweepStale(ctx, cfg.Saga.StaleAfter); err != nil {
				log.Error().Err(err).Msg("Failed to sweep stale sagas")
			}
		}),
		gocron.WithName("stale-saga-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	for _, s := range cfg.Schedules {
		schedule := s
		_, err := scheduler.NewJob(
			gocron.CronJob(schedule.Cron, false),
			gocron.NewTask(func() {
				if err := runSchedule(ctx, a.service, a.metrics, schedule, time.Now().UTC()); err != nil {
					log.Error().Err(err).Str("schedule", schedule.Name).Msg("Scheduled reconciliation failed to start")
				}
			}),
			gocron.WithName(schedule.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
		log.Info().Str("schedule", schedule.Name).Str("cron", schedule.Cron).Msg("Registered scheduled reconciliation")
	}
	return nil
}

// starter is the part of reconciliation.Service a schedule needs
type starter interface {
	Start(ctx context.Context, req reconciliation.StartRequest, opts ...saga.RunOption) (*saga.State, error)
}

// scheduledRequest builds the request for one firing. Ids derive from the
// schedule name and the minute it fired, so replicas firing together start
// the run once.
func scheduledRequest(s config.Schedule, now time.Time) reconciliation.StartRequest {
	lookback := s.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	to := now.UTC().Truncate(time.Minute)
	id := uuid.NewSHA1(scheduleNamespace, []byte(s.Name+"|"+to.Format(time.RFC3339))).String()

	return reconciliation.StartRequest{
		TenantID:       s.TenantID,
		SourceProvider: s.SourceProvider,
		TargetProvider: s.TargetProvider,
		From:           to.Add(-lookback),
		To:             to,
		NotifyTargets:  s.NotifyTargets,
		CorrelationID:  "schedule:" + s.Name,
		AggregateID:    id,
		SagaID:         id,
	}
}

func runSchedule(ctx context.Context, svc starter, m *metrics.Metrics, s config.Schedule, now time.Time) error {
	req := scheduledRequest(s, now)

	state, err := svc.Start(ctx, req, saga.InBackground())
	if errors.Is(err, saga.ErrSagaExists) {
		log.Debug().Str("schedule", s.Name).Str("saga_id", req.SagaID).Msg("Scheduled run already started")
		return nil
	}
	if err != nil {
		return err
	}

	m.IncrementCounter(metrics.ScheduledRuns)
	log.Info().
		Str("schedule", s.Name).
		Str("saga_id", state.SagaID).
		Time("from", req.From).
		Time("to", req.To).
		Msg("Scheduled reconciliation started")
	return nil
}
