package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/elastic/go-elasticsearch/v7"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/shardie-github/Settler-API-sub003/adapters"
	"github.com/shardie-github/Settler-API-sub003/config"
	"github.com/shardie-github/Settler-API-sub003/deadletter"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/cache"
	"github.com/shardie-github/Settler-API-sub003/internal/database"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/internal/tracing"
	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/messaging"
	"github.com/shardie-github/Settler-API-sub003/projections"
	"github.com/shardie-github/Settler-API-sub003/reconciliation"
	"github.com/shardie-github/Settler-API-sub003/resilience"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

const memoryDriver = "memory"

// stores holds the persistence layer, either postgres or in process
type stores struct {
	db          *gorm.DB
	events      eventstore.EventStore
	sagas       saga.Store
	deadLetters deadletter.Store
}

func openStores(cfg config.Config, m *metrics.Metrics) (*stores, error) {
	if cfg.Database.Driver == memoryDriver {
		log.Warn().Msg("Using in-memory stores, state is lost on exit")
		return &stores{
			events:      eventstore.NewMemoryEventStore(),
			sagas:       saga.NewMemoryStore(),
			deadLetters: deadletter.NewMemoryStore(),
		}, nil
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		m.SetHealth("database", false)
		return nil, err
	}
	m.SetHealth("database", true)

	if cfg.EnableMigrations {
		if err := database.AutoMigrate(db); err != nil {
			return nil, errors.Wrap(err, "failed to migrate database")
		}
	}

	return &stores{
		db:          db,
		events:      eventstore.NewGormEventStore(db),
		sagas:       saga.NewGormStore(db),
		deadLetters: deadletter.NewGormStore(db),
	}, nil
}

// app is every long lived component shared by the server and worker commands
type app struct {
	cfg     config.Config
	stores  *stores
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	guards  *resilience.Guards

	cache     *cache.RedisCache
	es        *elasticsearch.Client
	bus       *azservicebus.Client
	publisher *messaging.Publisher

	deadLetters  *deadletter.Queue
	orchestrator *saga.Orchestrator
	service      *reconciliation.Service
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewMetrics()}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	a.tracer = tracer

	if a.stores, err = openStores(cfg, a.metrics); err != nil {
		return nil, err
	}

	sagaStore := a.stores.sagas
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
			a.metrics.SetHealth("redis", false)
		} else {
			a.cache = redisCache
			a.metrics.SetHealth("redis", true)
			sagaStore = saga.NewCachedStore(sagaStore, redisCache, cfg.Saga.CacheTTL)
		}
	}

	if cfg.Elasticsearch.Enabled {
		es, err := projections.NewElasticsearchClient(cfg.Elasticsearch)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search projections")
			a.metrics.SetHealth("elasticsearch", false)
		} else if err := projections.EnsureIndices(es, cfg.Elasticsearch); err != nil {
			log.Warn().Err(err).Msg("Failed to create Elasticsearch indices, continuing without search projections")
			a.metrics.SetHealth("elasticsearch", false)
		} else {
			a.es = es
			a.metrics.SetHealth("elasticsearch", true)
		}
	}

	notifiers := []reconciliation.Notifier{reconciliation.LogNotifier{}}
	if cfg.Azure.Enabled() {
		if a.bus, err = messaging.NewClient(cfg.Azure.QueueConnStr); err != nil {
			return nil, err
		}
		if a.publisher, err = messaging.NewPublisher(a.bus, cfg.Azure.NotificationsQueueName); err != nil {
			return nil, err
		}
		notifiers = append(notifiers, a.publisher)
	}

	a.guards = newGuards(cfg.Resilience, a.metrics)

	registry, err := newRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}

	var projectors []reconciliation.Projector
	if a.stores.db != nil || a.es != nil {
		projectors = append(projectors, projections.NewResultsProjector(a.stores.db, a.es, cfg.Elasticsearch))
	}

	a.deadLetters = deadletter.NewQueue(a.stores.deadLetters, a.stores.events)
	a.orchestrator = saga.NewOrchestrator(saga.Options{
		Store:              sagaStore,
		Events:             a.stores.events,
		DeadLetters:        a.deadLetters,
		Metrics:            a.metrics,
		Tracer:             a.tracer,
		Backoff:            retryPolicy(cfg.Resilience),
		DefaultStepTimeout: cfg.Saga.StepTimeout,
		StepGrace:          cfg.Saga.StepGrace,
		DriverID:           driverID(),
	})

	workflow := reconciliation.NewWorkflow(reconciliation.Config{
		Adapters:     registry,
		Guards:       a.guards,
		Events:       a.stores.events,
		Projectors:   projectors,
		Notifiers:    notifiers,
		Metrics:      a.metrics,
		StepTimeout:  cfg.Saga.StepTimeout,
		FetchRetries: cfg.Resilience.FetchRetries,
	})

	a.service, err = reconciliation.NewService(a.orchestrator, workflow, matching.Config{
		AmountEpsilon:  cfg.Matching.AmountEpsilon,
		DateWindow:     cfg.Matching.DateWindow,
		FuzzyThreshold: cfg.Matching.FuzzyThreshold,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// driverID names this process in saga leases
func driverID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "settler"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

func retryPolicy(cfg config.ResilienceConfig) resilience.Policy {
	return resilience.Policy{
		MaxRetries: cfg.MaxRetries,
		MinDelay:   cfg.MinDelay,
		MaxDelay:   cfg.MaxDelay,
		Factor:     cfg.Factor,
		Jitter:     cfg.Jitter,
	}
}

func newGuards(cfg config.ResilienceConfig, m *metrics.Metrics) *resilience.Guards {
	return resilience.NewGuards(resilience.GuardConfig{
		Breaker: resilience.BreakerConfig{
			FailureRateThreshold: cfg.FailureRateThreshold,
			MinimumRequests:      cfg.MinimumRequests,
			Window:               cfg.Window,
			Buckets:              cfg.Buckets,
			Cooldown:             cfg.Cooldown,
			OnStateChange: func(name string, from, to resilience.State) {
				if to == resilience.StateOpen {
					m.IncrementCounter(metrics.BreakerOpened)
				}
			},
		},
		Retry:     retryPolicy(cfg),
		RateLimit: cfg.RateLimit,
		Burst:     cfg.RateBurst,
	})
}

func newRegistry(providers map[string]config.Provider) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()
	for name, p := range providers {
		err := registry.Register(adapters.NewHTTPAdapter(adapters.HTTPConfig{
			Name:    name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Timeout: p.Timeout,
		}))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to register provider %s", name)
		}
	}
	return registry, nil
}

// close waits for in-flight sagas and releases connections
func (a *app) close(ctx context.Context) {
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Sagas still running at shutdown, they will be resumed by the stale sweeper")
	}
	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to close notification publisher")
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to close Service Bus client")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis cache")
		}
	}
	if a.stores.db != nil {
		if err := database.Close(a.stores.db); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
	a.tracer.Close()
}
