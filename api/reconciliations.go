package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shardie-github/Settler-API-sub003/reconciliation"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

// RunResponse acknowledges a started reconciliation
type RunResponse struct {
	SagaID        string      `json:"saga_id"`
	AggregateID   string      `json:"aggregate_id"`
	CorrelationID string      `json:"correlation_id"`
	Status        saga.Status `json:"status"`
	CurrentStep   string      `json:"current_step"`
	LastError     string      `json:"last_error,omitempty"`
}

// startReconciliation starts a run. It answers 202 once the saga is
// persisted unless ?wait=true asks to block until it is terminal.
func (s *Server) startReconciliation(c *gin.Context) {
	var req reconciliation.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if tenantID := tenantOf(c); tenantID != "" {
		if req.TenantID != "" && req.TenantID != tenantID {
			badRequest(c, "tenant_id does not match "+tenantHeader)
			return
		}
		req.TenantID = tenantID
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	var opts []saga.RunOption
	if !wait {
		opts = append(opts, saga.InBackground())
	}

	state, err := s.reconciliations.Start(c.Request.Context(), req, opts...)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	c.JSON(status, RunResponse{
		SagaID:        state.SagaID,
		AggregateID:   state.AggregateID,
		CorrelationID: state.CorrelationID,
		Status:        state.Status,
		CurrentStep:   state.CurrentStep,
		LastError:     state.LastError,
	})
}

func (s *Server) getReconciliation(c *gin.Context) {
	run, err := s.reconciliations.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if tenantID := tenantOf(c); tenantID != "" && run.TenantID != tenantID {
		notFound(c, reconciliation.ErrRunNotFound.Error())
		return
	}
	c.JSON(http.StatusOK, run)
}
