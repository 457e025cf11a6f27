package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/deadletter"
	"github.com/shardie-github/Settler-API-sub003/reconciliation"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{reconciliation.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
	{saga.ErrUnknownSagaType, http.StatusBadRequest, "UNKNOWN_SAGA_TYPE"},
	{reconciliation.ErrRunNotFound, http.StatusNotFound, "NOT_FOUND"},
	{saga.ErrSagaNotFound, http.StatusNotFound, "NOT_FOUND"},
	{deadletter.ErrEntryNotFound, http.StatusNotFound, "NOT_FOUND"},
	{saga.ErrSagaExists, http.StatusConflict, "SAGA_EXISTS"},
	{saga.ErrSagaTerminal, http.StatusConflict, "SAGA_TERMINAL"},
	{saga.ErrSagaNotRetryable, http.StatusConflict, "SAGA_NOT_RETRYABLE"},
	{saga.ErrSagaAlreadyRunning, http.StatusConflict, "SAGA_RUNNING"},
	{deadletter.ErrAlreadyResolved, http.StatusConflict, "ALREADY_RESOLVED"},
	{deadletter.ErrEntryExists, http.StatusConflict, "ENTRY_EXISTS"},
}

// writeError maps domain errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			c.JSON(e.status, ErrorResponse{Error: err.Error(), Code: e.code})
			return
		}
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unhandled error")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "INTERNAL_ERROR"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, ErrorResponse{Error: msg, Code: "NOT_FOUND"})
}
