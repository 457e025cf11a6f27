package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

// getAggregateEvents returns an aggregate's stream from ?from_version=
func (s *Server) getAggregateEvents(c *gin.Context) {
	fromVersion := 0
	if raw := c.Query("from_version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			badRequest(c, "from_version must be a non-negative integer")
			return
		}
		fromVersion = v
	}

	events, err := s.events.GetEvents(c.Request.Context(), c.Param("aggregateId"), c.Param("aggregateType"), fromVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	events = s.visibleEvents(c, events)
	if len(events) == 0 && fromVersion == 0 {
		notFound(c, "aggregate has no events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// queryEvents answers ?correlation_id= or ?event_type=
func (s *Server) queryEvents(c *gin.Context) {
	var (
		events []domain.Event
		err    error
	)

	switch {
	case c.Query("correlation_id") != "":
		events, err = s.events.GetEventsByCorrelationID(c.Request.Context(), c.Query("correlation_id"))
	case c.Query("event_type") != "":
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		events, err = s.events.GetEventsByType(c.Request.Context(), c.Query("event_type"), limit)
	default:
		badRequest(c, "correlation_id or event_type is required")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	events = s.visibleEvents(c, events)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// visibleEvents drops events stamped with another tenant
func (s *Server) visibleEvents(c *gin.Context, events []domain.Event) []domain.Event {
	tenantID := tenantOf(c)
	if tenantID == "" {
		return events
	}

	visible := events[:0]
	for _, e := range events {
		if e.Metadata.TenantID == "" || e.Metadata.TenantID == tenantID {
			visible = append(visible, e)
		}
	}
	return visible
}
