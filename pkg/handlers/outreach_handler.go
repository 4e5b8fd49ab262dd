package handlers

import (
	"net/http"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/services"
	"care-transitions-api/pkg/store"

	"github.com/gin-gonic/gin"
)

// OutreachHandler exposes the scheduled sweep trigger and the inbound
// patient-response path.
type OutreachHandler struct {
	scheduler   *services.SchedulerService
	interpreter *services.InterpreterService
	risk        *services.RiskService
	store       store.Store
}

// NewOutreachHandler creates the handler.
func NewOutreachHandler(scheduler *services.SchedulerService, interpreter *services.InterpreterService, risk *services.RiskService, st store.Store) *OutreachHandler {
	return &OutreachHandler{
		scheduler:   scheduler,
		interpreter: interpreter,
		risk:        risk,
		store:       st,
	}
}

// RunSweep is the cron-invoked dispatch pass. Sweeps are paused while the
// server is in maintenance mode.
func (h *OutreachHandler) RunSweep(c *gin.Context) {
	if isMaintenanceMode.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "MAINTENANCE", "details": "sweeps are paused during maintenance"})
		return
	}
	result, err := h.scheduler.RunSweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "SWEEP_FAILED", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": result.RanAt.Format(time.RFC3339),
		"data":      result,
	})
}

// responseRequest is an inbound patient reply.
type responseRequest struct {
	AttemptID    string   `json:"attempt_id" binding:"required"`
	Text         string   `json:"text"`
	NumericValue *float64 `json:"numeric_value,omitempty"`
}

// SubmitResponse runs one reply through the interpreter and feeds the
// derived signal into the risk state machine. When the matched rule wants
// a numeric follow-up, the signal is withheld and the follow-up question
// is returned instead.
func (h *OutreachHandler) SubmitResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "BAD_REQUEST", "details": err.Error()})
		return
	}
	ctx := c.Request.Context()
	episodeID := c.Param("id")

	attempt, err := h.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		respondError(c, err)
		return
	}
	if attempt.EpisodeID != episodeID {
		respondError(c, models.NewValidationError("ATTEMPT_MISMATCH", "attempt %s does not belong to episode %s", req.AttemptID, episodeID))
		return
	}

	result, err := h.interpreter.Interpret(ctx, req.AttemptID, services.ResponsePayload{
		Text:         req.Text,
		NumericValue: req.NumericValue,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	payload := gin.H{
		"signal":          result.Signal,
		"needs_follow_up": result.NeedsFollowUp,
		"response_id":     result.Response.ID,
	}
	if result.NeedsFollowUp {
		if result.FollowUpQuestionID != "" {
			if q, err := h.store.GetQuestion(ctx, result.FollowUpQuestionID); err == nil {
				payload["follow_up_question"] = q.Text
			}
		}
		respondOK(c, payload)
		return
	}

	transition, err := h.risk.Apply(ctx, episodeID, result.Signal, "interpreter", result.InteractionID)
	if err != nil {
		respondError(c, err)
		return
	}
	payload["risk_level"] = transition.To
	payload["risk_changed"] = transition.Changed
	if transition.Task != nil {
		payload["task_id"] = transition.Task.ID
	}
	respondOK(c, payload)
}

// GetPlan returns the episode's active plan and its attempts for the
// staff dashboard.
func (h *OutreachHandler) GetPlan(c *gin.Context) {
	ctx := c.Request.Context()
	episode, err := h.store.GetEpisode(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if episode.ActivePlanID == "" {
		respondError(c, models.NewNotFoundError("PLAN_NOT_FOUND", "episode %s has no active plan", episode.ID))
		return
	}
	plan, err := h.store.GetPlan(ctx, episode.ActivePlanID)
	if err != nil {
		respondError(c, err)
		return
	}
	attempts, err := h.store.ListAttemptsByPlan(ctx, plan.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"plan": plan, "attempts": attempts})
}
