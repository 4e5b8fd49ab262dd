package handlers

import (
	"net/http"
	"time"

	"care-transitions-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// TaskHandler covers the escalation task surface: resolution and the
// SLA monitor trigger.
type TaskHandler struct {
	escalation *services.EscalationService
}

// NewTaskHandler creates the handler.
func NewTaskHandler(escalation *services.EscalationService) *TaskHandler {
	return &TaskHandler{escalation: escalation}
}

// resolveRequest is the body of the task resolution endpoint.
type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
	UserID  string `json:"userId" binding:"required"`
}

// Resolve closes a task with an outcome code and notes. 404 when the
// task id is unknown.
func (h *TaskHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "BAD_REQUEST", "details": err.Error()})
		return
	}
	task, err := h.escalation.Resolve(c.Request.Context(), c.Param("id"), req.Outcome, req.Notes, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, task)
}

// RunMonitor is the cron-invoked SLA breach pass.
func (h *TaskHandler) RunMonitor(c *gin.Context) {
	result, err := h.escalation.RunMonitorPass(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "MONITOR_FAILED", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": result.CheckedAt.Format(time.RFC3339),
		"data":      result,
	})
}
