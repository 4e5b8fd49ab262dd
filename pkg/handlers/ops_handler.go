package handlers

import (
	"net/http"
	"strconv"
	"sync/atomic"

	config "care-transitions-api/configs"
	"care-transitions-api/pkg/services"
	"care-transitions-api/pkg/store"

	"github.com/gin-gonic/gin"
)

// isMaintenanceMode pauses outreach sweeps while set. atomic.Bool keeps
// reads and writes thread-safe.
var isMaintenanceMode atomic.Bool

// OpsHandler covers operator actions: health, maintenance gating, the
// audit trail and interaction purges.
type OpsHandler struct {
	AdminUsername string
	AdminPassword string
	audit         *services.AuditService
	store         store.Store
}

// NewOpsHandler creates the handler.
func NewOpsHandler(cfg *config.Config, audit *services.AuditService, st store.Store) *OpsHandler {
	return &OpsHandler{
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		audit:         audit,
		store:         st,
	}
}

// adminCredentials is the request body for maintenance operations.
type adminCredentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *OpsHandler) authorized(c *gin.Context) bool {
	var input adminCredentials
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return false
	}
	if input.Username != h.AdminUsername || input.Password != h.AdminPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return false
	}
	return true
}

// StartMaintenance pauses sweeps.
func (h *OpsHandler) StartMaintenance(c *gin.Context) {
	if !h.authorized(c) {
		return
	}
	isMaintenanceMode.Store(true)
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode started"})
}

// StopMaintenance resumes sweeps.
func (h *OpsHandler) StopMaintenance(c *gin.Context) {
	if !h.authorized(c) {
		return
	}
	isMaintenanceMode.Store(false)
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode stopped"})
}

// GetEvents returns recent orchestration events, optionally filtered by
// episode.
func (h *OpsHandler) GetEvents(c *gin.Context) {
	if episodeID := c.Query("episode_id"); episodeID != "" {
		respondOK(c, h.audit.EventsByEpisode(episodeID))
		return
	}
	limit := 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	respondOK(c, h.audit.Events(limit))
}

// GetRequests returns the recent request log.
func (h *OpsHandler) GetRequests(c *gin.Context) {
	limit := 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	respondOK(c, h.audit.RecentRequests(limit))
}

// PurgeInteraction removes an interaction, its messages and any linked
// escalation task as one unit. Administrative operation, not part of the
// steady-state flow.
func (h *OpsHandler) PurgeInteraction(c *gin.Context) {
	if err := h.store.PurgeInteraction(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"purged": true})
}

// HealthCheck answers external health probes; 503 during maintenance.
func HealthCheck(c *gin.Context) {
	if isMaintenanceMode.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": "Server is in maintenance mode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
