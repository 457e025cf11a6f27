package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shardie-github/Settler-API-sub003/deadletter"
)

// ResolveRequest closes a dead letter entry
type ResolveRequest struct {
	Notes string `json:"notes" binding:"required"`
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	var (
		entries []deadletter.Entry
		err     error
	)
	if tenantID := tenantOf(c); tenantID != "" {
		entries, err = s.deadLetters.GetUnresolvedEntriesForTenant(c.Request.Context(), tenantID, limit)
	} else {
		entries, err = s.deadLetters.GetUnresolvedEntries(c.Request.Context(), limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) listTenantDeadLetters(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if scoped := tenantOf(c); scoped != "" && scoped != tenantID {
		notFound(c, "tenant not found")
		return
	}

	entries, err := s.deadLetters.GetEntriesByTenant(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) lookupDeadLetter(c *gin.Context) (*deadletter.Entry, bool) {
	entry, err := s.deadLetters.GetEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if tenantID := tenantOf(c); tenantID != "" && entry.TenantID != tenantID {
		notFound(c, deadletter.ErrEntryNotFound.Error())
		return nil, false
	}
	return entry, true
}

func (s *Server) getDeadLetter(c *gin.Context) {
	entry, ok := s.lookupDeadLetter(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) resolveDeadLetter(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, ok := s.lookupDeadLetter(c); !ok {
		return
	}

	entry, err := s.deadLetters.ResolveEntry(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
