package services

import (
	"context"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"

	"github.com/google/uuid"
)

// PlanBuilderService materializes outreach plans for episodes from the
// template library. Re-planning supersedes the prior active plan as one
// logical unit: there is never a moment with two active plans.
type PlanBuilderService struct {
	store store.Store
	clock store.Clock
	audit *AuditService
}

// NewPlanBuilderService wires the builder with its collaborators.
func NewPlanBuilderService(st store.Store, clock store.Clock, audit *AuditService) *PlanBuilderService {
	if clock == nil {
		clock = time.Now
	}
	return &PlanBuilderService{store: st, clock: clock, audit: audit}
}

// SelectTemplate picks the best-matching template: exact condition+risk
// match, else condition-only default, else system default. A missing
// system default is a configuration defect, not a runtime condition.
func (s *PlanBuilderService) SelectTemplate(ctx context.Context, conditionCode string, risk models.RiskLevel) (*models.PlanTemplate, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	var conditionDefault, systemDefault *models.PlanTemplate
	for _, t := range templates {
		switch {
		case t.ConditionCode == conditionCode && t.RiskLevel == risk:
			return t, nil
		case t.ConditionCode == conditionCode && t.RiskLevel == "" && conditionDefault == nil:
			conditionDefault = t
		case t.ConditionCode == "" && systemDefault == nil:
			systemDefault = t
		}
	}
	if conditionDefault != nil {
		return conditionDefault, nil
	}
	if systemDefault != nil {
		return systemDefault, nil
	}
	return nil, models.NewConfigError("NO_TEMPLATE", "no outreach template for condition %s at %s and no default exists", conditionCode, risk)
}

// BuildPlan creates and activates a plan for the episode, cancelling any
// prior active plan in the same logical unit. A concurrent re-plan for
// the same episode loses the conditional swap and is retried once against
// the fresh state.
func (s *PlanBuilderService) BuildPlan(ctx context.Context, episodeID string) (*models.OutreachPlan, error) {
	plan, err := s.buildOnce(ctx, episodeID)
	if models.IsConflict(err) {
		plan, err = s.buildOnce(ctx, episodeID)
	}
	return plan, err
}

func (s *PlanBuilderService) buildOnce(ctx context.Context, episodeID string) (*models.OutreachPlan, error) {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if episode.Status != models.EpisodeOpen {
		return nil, models.NewValidationError("EPISODE_CLOSED", "episode %s is closed", episodeID)
	}
	template, err := s.SelectTemplate(ctx, episode.ConditionCode, episode.RiskLevel)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	plan := &models.OutreachPlan{
		ID:         uuid.New().String(),
		EpisodeID:  episode.ID,
		TemplateID: template.ID,
		Active:     true,
		CreatedAt:  now,
	}
	attempts := make([]*models.OutreachAttempt, 0, len(template.Touches))
	for i, touch := range template.Touches {
		attempts = append(attempts, &models.OutreachAttempt{
			ID:         uuid.New().String(),
			PlanID:     plan.ID,
			EpisodeID:  episode.ID,
			Sequence:   i,
			DueAt:      episode.DischargedAt.Add(time.Duration(touch.OffsetHours) * time.Hour),
			Channel:    touch.Channel,
			QuestionID: touch.QuestionID,
			Status:     models.AttemptPending,
		})
	}
	if err := s.store.SwapActivePlan(ctx, episode.ID, episode.ActivePlanID, plan, attempts); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(episode.ID, "plan_created", "plan %s from template %s with %d attempts", plan.ID, template.ID, len(attempts))
	}
	return plan, nil
}
