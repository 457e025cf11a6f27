package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shardie-github/Settler-API-sub003/saga"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// parseLimit reads ?limit=, falling back to the default and capping it
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func (s *Server) listSagas(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	filter := saga.ListFilter{
		TenantID: tenantOf(c),
		SagaType: c.Query("type"),
		Status:   saga.Status(strings.ToUpper(c.Query("status"))),
		Limit:    limit,
	}
	states, err := s.sagas.ListSagas(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sagas": states, "count": len(states)})
}

// lookupSaga loads the saga named by the path, hiding other tenants' sagas
func (s *Server) lookupSaga(c *gin.Context) (*saga.State, bool) {
	state, err := s.sagas.GetSagaStatus(c.Request.Context(), c.Param("id"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if tenantID := tenantOf(c); tenantID != "" && state.TenantID != tenantID {
		notFound(c, saga.ErrSagaNotFound.Error())
		return nil, false
	}
	return state, true
}

func (s *Server) getSaga(c *gin.Context) {
	state, ok := s.lookupSaga(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) resumeSaga(c *gin.Context) {
	s.sagaAction(c, http.StatusAccepted, func(ctx context.Context, id string) (*saga.State, error) {
		return s.sagas.ResumeSaga(ctx, id, saga.InBackground())
	})
}

func (s *Server) retrySaga(c *gin.Context) {
	s.sagaAction(c, http.StatusAccepted, func(ctx context.Context, id string) (*saga.State, error) {
		return s.sagas.RetrySaga(ctx, id, saga.InBackground())
	})
}

func (s *Server) cancelSaga(c *gin.Context) {
	s.sagaAction(c, http.StatusOK, s.sagas.CancelSaga)
}

func (s *Server) sagaAction(c *gin.Context, status int, action func(ctx context.Context, id string) (*saga.State, error)) {
	current, ok := s.lookupSaga(c)
	if !ok {
		return
	}

	state, err := action(c.Request.Context(), current.SagaID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, state)
}
