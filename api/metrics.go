package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) metricsHandler(c *gin.Context) {
	s.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	all := s.metrics.GetAllMetrics()
	if s.guards != nil {
		all["breakers"] = s.guards.States()
	}
	c.JSON(http.StatusOK, all)
}

// healthHandler answers 503 when any component reported itself unhealthy
func (s *Server) healthHandler(c *gin.Context) {
	checks := s.metrics.GetHealthChecks()

	status := "healthy"
	code := http.StatusOK
	for _, healthy := range checks {
		if !healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}
