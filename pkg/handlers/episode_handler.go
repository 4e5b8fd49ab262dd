package handlers

import (
	"net/http"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/services"
	"care-transitions-api/pkg/store"

	"github.com/gin-gonic/gin"
)

// EpisodeHandler covers episode reads, manual risk overrides and closure.
type EpisodeHandler struct {
	store store.Store
	risk  *services.RiskService
	ehr   *services.EHRService
}

// NewEpisodeHandler creates the handler.
func NewEpisodeHandler(st store.Store, risk *services.RiskService, ehr *services.EHRService) *EpisodeHandler {
	return &EpisodeHandler{store: st, risk: risk, ehr: ehr}
}

// Get returns the episode with its responses for the staff view.
func (h *EpisodeHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	episode, err := h.store.GetEpisode(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	responses, err := h.store.ListResponses(ctx, episode.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"episode": episode, "responses": responses})
}

// overrideRequest is a manual staff risk decision.
type overrideRequest struct {
	Level  models.RiskLevel `json:"level" binding:"required"`
	UserID string           `json:"userId" binding:"required"`
}

// OverrideRisk applies a manual risk override through the state machine.
func (h *EpisodeHandler) OverrideRisk(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "BAD_REQUEST", "details": err.Error()})
		return
	}
	transition, err := h.risk.Override(c.Request.Context(), c.Param("id"), req.Level, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, transition)
}

// Close ends the episode and cancels its pending outreach.
func (h *EpisodeHandler) Close(c *gin.Context) {
	if err := h.ehr.CloseEpisode(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"closed": true})
}
