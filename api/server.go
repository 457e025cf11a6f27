package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/config"
	"github.com/shardie-github/Settler-API-sub003/deadletter"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/internal/tracing"
	"github.com/shardie-github/Settler-API-sub003/reconciliation"
	"github.com/shardie-github/Settler-API-sub003/resilience"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

const shutdownTimeout = 5 * time.Second

// Dependencies are the components exposed over HTTP
type Dependencies struct {
	Reconciliations *reconciliation.Service
	Sagas           *saga.Orchestrator
	Events          eventstore.EventStore
	DeadLetters     *deadletter.Queue
	Guards          *resilience.Guards
	Metrics         *metrics.Metrics
	Tracer          tracing.Tracer
}

// Server is the admin HTTP API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server

	reconciliations *reconciliation.Service
	sagas           *saga.Orchestrator
	events          eventstore.EventStore
	deadLetters     *deadletter.Queue
	guards          *resilience.Guards
	metrics         *metrics.Metrics
	tracer          tracing.Tracer
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}

	s := &Server{
		cfg:             cfg,
		router:          gin.New(),
		reconciliations: deps.Reconciliations,
		sagas:           deps.Sagas,
		events:          deps.Events,
		deadLetters:     deps.DeadLetters,
		guards:          deps.Guards,
		metrics:         deps.Metrics,
		tracer:          deps.Tracer,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	if app := s.tracer.Application(); app != nil {
		s.router.Use(TracingMiddleware(app))
	}
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.metrics))
	s.router.Use(TenantMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", s.metricsHandler)

	v1 := s.router.Group("/api/v1")

	runs := v1.Group("/reconciliations")
	{
		runs.POST("", s.startReconciliation)
		runs.GET("/:id", s.getReconciliation)
	}

	sagas := v1.Group("/sagas")
	{
		sagas.GET("", s.listSagas)
		sagas.GET("/:type/:id", s.getSaga)
		sagas.POST("/:type/:id/resume", s.resumeSaga)
		sagas.POST("/:type/:id/retry", s.retrySaga)
		sagas.POST("/:type/:id/cancel", s.cancelSaga)
	}

	events := v1.Group("/events")
	{
		events.GET("", s.queryEvents)
		events.GET("/:aggregateType/:aggregateId", s.getAggregateEvents)
	}

	deadLetters := v1.Group("/dead-letters")
	{
		deadLetters.GET("", s.listDeadLetters)
		deadLetters.GET("/:id", s.getDeadLetter)
		deadLetters.POST("/:id/resolve", s.resolveDeadLetter)
	}
	v1.GET("/tenants/:tenantId/dead-letters", s.listTenantDeadLetters)
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the server is shut down
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	}

	log.Info().Str("address", s.cfg.Address).Msg("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to start server")
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server shutdown failed")
	}
	log.Info().Msg("API server stopped")
	return nil
}
