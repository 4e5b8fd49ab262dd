package handlers

import (
	"net/http"
	"time"

	"care-transitions-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// AdherenceHandler exposes the medication adherence tracker.
type AdherenceHandler struct {
	adherence *services.AdherenceService
}

// NewAdherenceHandler creates the handler.
func NewAdherenceHandler(adherence *services.AdherenceService) *AdherenceHandler {
	return &AdherenceHandler{adherence: adherence}
}

// GetSummary returns the computed rolling-window adherence view.
func (h *AdherenceHandler) GetSummary(c *gin.Context) {
	summary, err := h.adherence.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, summary)
}

// adherenceActionRequest dispatches on the action field.
type adherenceActionRequest struct {
	Action       string    `json:"action" binding:"required"`
	MedicationID string    `json:"medication_id,omitempty"`
	TakenAt      time.Time `json:"taken_at,omitempty"`
	Name         string    `json:"name,omitempty"`
	DosesPerDay  int       `json:"doses_per_day,omitempty"`
}

// PostAction accepts {action: check_pharmacy|log_dose|prescribe, ...} and
// dispatches to the tracker; unknown actions are rejected with 400.
func (h *AdherenceHandler) PostAction(c *gin.Context) {
	var req adherenceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "BAD_REQUEST", "details": err.Error()})
		return
	}
	ctx := c.Request.Context()
	episodeID := c.Param("id")

	switch req.Action {
	case "check_pharmacy":
		summary, err := h.adherence.CheckPharmacy(ctx, episodeID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, summary)
	case "log_dose":
		summary, err := h.adherence.LogDose(ctx, episodeID, req.MedicationID, req.TakenAt)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, summary)
	case "prescribe":
		med, err := h.adherence.Prescribe(ctx, episodeID, req.Name, req.DosesPerDay)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, med)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "UNKNOWN_ACTION", "details": "action must be check_pharmacy, log_dose or prescribe"})
	}
}
