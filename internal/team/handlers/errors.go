package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/experiments"
	"github.com/crewdeck/crewdeck/internal/team/registry"
	"github.com/crewdeck/crewdeck/internal/team/service"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

// fail maps service and store errors onto HTTP statuses. Anything unmapped is
// a 500 with a generic body; the detail goes to the log only.
func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, experiments.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrSystemTemplate):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrInvalidCapability),
		errors.Is(err, registry.ErrInvalidAgentType),
		errors.Is(err, service.ErrBadTarget),
		errors.Is(err, service.ErrBadMemoryPolicy),
		errors.Is(err, service.ErrNoTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTornDown),
		errors.Is(err, service.ErrNotActive),
		errors.Is(err, experiments.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
