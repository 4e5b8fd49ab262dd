package handlers

import (
	"io"
	"net/http"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// EHRHandler is the inbound/outbound record-system boundary.
type EHRHandler struct {
	ehr *services.EHRService
}

// NewEHRHandler creates the handler.
func NewEHRHandler(ehr *services.EHRService) *EHRHandler {
	return &EHRHandler{ehr: ehr}
}

// IngestADT accepts a discharge/ADT webhook delivery, either JSON or a
// raw segment-text body.
func (h *EHRHandler) IngestADT(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "EMPTY_BODY", "details": "request body is required"})
		return
	}
	result, err := h.ehr.IngestADT(c.Request.Context(), c.ContentType(), body)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// exportRequest is the body of the export-note endpoint.
type exportRequest struct {
	Destination models.ExportDestination `json:"destination" binding:"required"`
}

// ExportNote pushes an encounter summary for the episode to the record
// system. Unknown destinations are rejected with 400.
func (h *EHRHandler) ExportNote(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "BAD_REQUEST", "details": err.Error()})
		return
	}
	if err := h.ehr.ExportNote(c.Request.Context(), c.Param("id"), req.Destination); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"destination": req.Destination})
}
