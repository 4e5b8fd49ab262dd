package store

import (
	"context"
	"testing"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/stretchr/testify/assert"
)

func seedEpisode(t *testing.T, s *MemStore, id string) *models.Episode {
	t.Helper()
	e := &models.Episode{
		ID:            id,
		PatientID:     "pat-1",
		ConditionCode: "I50",
		DischargedAt:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		RiskLevel:     models.RiskLow,
		Status:        models.EpisodeOpen,
		CreatedAt:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, s.CreateEpisode(context.Background(), e))
	return e
}

func TestCreateEpisodeDuplicateSourceMessage(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	assert.NoError(t, s.CreateEpisode(ctx, &models.Episode{
		ID:              "ep-1",
		PatientID:       "pat-1",
		ConditionCode:   "I50",
		RiskLevel:       models.RiskLow,
		Status:          models.EpisodeOpen,
		SourceMessageID: "MSG-001",
	}))

	second := &models.Episode{
		ID:              "ep-2",
		PatientID:       "pat-1",
		ConditionCode:   "I50",
		RiskLevel:       models.RiskLow,
		Status:          models.EpisodeOpen,
		SourceMessageID: "MSG-001",
	}
	err := s.CreateEpisode(ctx, second)
	assert.Error(t, err)
	assert.True(t, models.IsConflict(err))

	open, err := s.ListOpenEpisodes(ctx)
	assert.NoError(t, err)
	assert.Len(t, open, 1)

	// Episodes without a source message never collide with each other.
	assert.NoError(t, s.CreateEpisode(ctx, &models.Episode{ID: "ep-3", Status: models.EpisodeOpen}))
	assert.NoError(t, s.CreateEpisode(ctx, &models.Episode{ID: "ep-4", Status: models.EpisodeOpen}))
}

func TestUpdateEpisodeRiskVersionConflict(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	e := seedEpisode(t, s, "ep-1")

	assert.NoError(t, s.UpdateEpisodeRisk(ctx, e.ID, 0, models.RiskMedium, 0))

	// A writer holding the stale version loses.
	err := s.UpdateEpisodeRisk(ctx, e.ID, 0, models.RiskHigh, 0)
	assert.Error(t, err)
	assert.True(t, models.IsConflict(err))

	got, err := s.GetEpisode(ctx, e.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.RiskMedium, got.RiskLevel)
	assert.Equal(t, int64(1), got.RiskVersion)
}

func TestSwapActivePlanConflictAndSupersession(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	e := seedEpisode(t, s, "ep-1")
	now := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)

	first := &models.OutreachPlan{ID: "plan-1", EpisodeID: e.ID, CreatedAt: now}
	firstAttempts := []*models.OutreachAttempt{
		{ID: "att-1", PlanID: "plan-1", EpisodeID: e.ID, Sequence: 0, Status: models.AttemptPending},
		{ID: "att-2", PlanID: "plan-1", EpisodeID: e.ID, Sequence: 1, Status: models.AttemptPending},
	}
	assert.NoError(t, s.SwapActivePlan(ctx, e.ID, "", first, firstAttempts))

	// Sent attempts keep their history through a supersession; pending
	// ones are cancelled.
	assert.NoError(t, s.TransitionAttempt(ctx, "att-1", models.AttemptPending, models.AttemptSent, now))

	// A swap against a stale expected plan is a conflict.
	second := &models.OutreachPlan{ID: "plan-2", EpisodeID: e.ID, CreatedAt: now.Add(time.Hour)}
	err := s.SwapActivePlan(ctx, e.ID, "", second, nil)
	assert.Error(t, err)
	assert.True(t, models.IsConflict(err))

	assert.NoError(t, s.SwapActivePlan(ctx, e.ID, "plan-1", second, nil))

	old, err := s.GetPlan(ctx, "plan-1")
	assert.NoError(t, err)
	assert.False(t, old.Active)
	assert.NotNil(t, old.SupersededAt)

	sent, err := s.GetAttempt(ctx, "att-1")
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptSent, sent.Status)
	pending, err := s.GetAttempt(ctx, "att-2")
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptCancelled, pending.Status)

	got, err := s.GetEpisode(ctx, e.ID)
	assert.NoError(t, err)
	assert.Equal(t, "plan-2", got.ActivePlanID)
}

func TestTransitionAttemptConflict(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	e := seedEpisode(t, s, "ep-1")
	now := time.Now().UTC()

	plan := &models.OutreachPlan{ID: "plan-1", EpisodeID: e.ID, CreatedAt: now}
	attempts := []*models.OutreachAttempt{
		{ID: "att-1", PlanID: "plan-1", EpisodeID: e.ID, Status: models.AttemptPending},
	}
	assert.NoError(t, s.SwapActivePlan(ctx, e.ID, "", plan, attempts))

	assert.NoError(t, s.TransitionAttempt(ctx, "att-1", models.AttemptPending, models.AttemptSent, now))

	// The second claimer observes the conflict instead of double-sending.
	err := s.TransitionAttempt(ctx, "att-1", models.AttemptPending, models.AttemptSent, now)
	assert.Error(t, err)
	assert.True(t, models.IsConflict(err))

	got, err := s.GetAttempt(ctx, "att-1")
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptSent, got.Status)
	assert.NotNil(t, got.SentAt)
}

func TestListDueAttemptsFiltersInactiveAndClosed(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	open := seedEpisode(t, s, "ep-open")
	closed := seedEpisode(t, s, "ep-closed")
	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)

	for _, ep := range []*models.Episode{open, closed} {
		plan := &models.OutreachPlan{ID: "plan-" + ep.ID, EpisodeID: ep.ID, CreatedAt: now}
		attempts := []*models.OutreachAttempt{
			{ID: "att-" + ep.ID, PlanID: plan.ID, EpisodeID: ep.ID, DueAt: now.Add(-time.Hour), Status: models.AttemptPending},
		}
		assert.NoError(t, s.SwapActivePlan(ctx, ep.ID, "", plan, attempts))
	}
	assert.NoError(t, s.CloseEpisode(ctx, closed.ID, now))

	due, err := s.ListDueAttempts(ctx, now)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, "att-ep-open", due[0].ID)

	// Future attempts are not due.
	due, err = s.ListDueAttempts(ctx, now.Add(-2*time.Hour))
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpsertPatientKeyedByExternalID(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	first, err := s.UpsertPatient(ctx, &models.Patient{ID: "pat-1", ExternalID: "MRN-42", Name: "Alex Rivera", Phone: "+15550100"})
	assert.NoError(t, err)

	second, err := s.UpsertPatient(ctx, &models.Patient{ID: "pat-2", ExternalID: "MRN-42", Phone: "+15550199"})
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Alex Rivera", second.Name, "empty fields do not clobber")
	assert.Equal(t, "+15550199", second.Phone)
}

func TestPurgeInteractionCascades(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	assert.NoError(t, s.CreateInteraction(ctx, &models.AgentInteraction{ID: "int-1", EpisodeID: "ep-1", AttemptID: "att-1", StartedAt: now}))
	assert.NoError(t, s.AddMessage(ctx, &models.Message{ID: "msg-1", InteractionID: "int-1", Role: "patient", Content: "hello", CreatedAt: now}))
	assert.NoError(t, s.CreateTask(ctx, &models.EscalationTask{ID: "task-1", EpisodeID: "ep-1", InteractionID: "int-1", Severity: models.RiskMedium, Status: models.TaskOpen, CreatedAt: now}))

	assert.NoError(t, s.PurgeInteraction(ctx, "int-1"))

	_, err := s.FindInteractionByAttempt(ctx, "att-1")
	assert.True(t, models.IsNotFound(err))
	_, err = s.GetTask(ctx, "task-1")
	assert.True(t, models.IsNotFound(err))

	err = s.AddMessage(ctx, &models.Message{ID: "msg-2", InteractionID: "int-1"})
	assert.True(t, models.IsNotFound(err))

	err = s.PurgeInteraction(ctx, "int-1")
	assert.True(t, models.IsNotFound(err))
}

func TestActiveContentPackPicksHighestVersion(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.ActiveContentPack(ctx)
	assert.True(t, models.IsConfig(err))

	assert.NoError(t, s.PutContentPack(ctx, &models.ContentPack{ID: "pack-1", Version: 1, Active: true}))
	assert.NoError(t, s.PutContentPack(ctx, &models.ContentPack{ID: "pack-2", Version: 2, Active: true}))
	assert.NoError(t, s.PutContentPack(ctx, &models.ContentPack{ID: "pack-3", Version: 3, Active: false}))

	pack, err := s.ActiveContentPack(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "pack-2", pack.ID)
}
