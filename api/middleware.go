package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
)

const (
	requestIDHeader = "X-Request-ID"
	tenantHeader    = "X-Tenant-ID"
	tenantKey       = "tenant_id"
)

// RequestIDMiddleware adds a request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("RequestID", requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// TracingMiddleware wraps each request in a New Relic transaction
func TracingMiddleware(app *newrelic.Application) gin.HandlerFunc {
	return nrgin.Middleware(app)
}

// TenantMiddleware exposes the caller's tenant from the X-Tenant-ID header
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenantID := c.GetHeader(tenantHeader); tenantID != "" {
			c.Set(tenantKey, tenantID)
		}
		c.Next()
	}
}

// tenantOf returns the tenant set by TenantMiddleware, or "" when the caller
// is not scoped to one
func tenantOf(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// LoggingMiddleware logs each request and records request metrics
func LoggingMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		requestID, _ := c.Get("RequestID")

		m.IncrementCounter(metrics.HTTPRequests)
		m.RecordTimer(metrics.HTTPRequestLatency, latency.Milliseconds())

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Interface("request_id", requestID).
			Str("tenant_id", tenantOf(c)).
			Msg("Request processed")
	}
}
