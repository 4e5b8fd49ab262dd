package services

import (
	"context"
	"testing"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestSweepSendsDueAttemptsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)

	// Nothing due yet.
	result, err := env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Due)

	env.clock.Advance(24*time.Hour + 10*time.Minute)
	result, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Sent)
	assert.Len(t, env.gateway.Sent(), 1)
	assert.Equal(t, "How are you feeling today?", env.gateway.Sent()[0].Body)
	assert.Equal(t, "+15550100", env.gateway.Sent()[0].Recipient)

	// Re-running the same window is a no-op: the attempt is already SENT.
	result, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	assert.Len(t, env.gateway.Sent(), 1)

	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptSent, attempts[0].Status)
	assert.NotNil(t, attempts[0].SentAt)
	assert.Equal(t, models.AttemptPending, attempts[1].Status)
}

func TestSweepMarksOverdueAttemptMissed(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)

	// 72h30m after discharge: the first touch (due +24h) is far past the
	// 2h grace window and the second (due +72h) is within it. The first
	// goes MISSED and the second still goes out in the same sweep.
	env.clock.Advance(72*time.Hour + 30*time.Minute)
	result, err := env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 1, result.Missed)
	assert.Equal(t, 1, result.Sent)

	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptMissed, attempts[0].Status)
	assert.Equal(t, models.AttemptSent, attempts[1].Status)
}

func TestSweepDefersSuccessorWhilePredecessorPending(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	ctx := context.Background()

	// Two touches close together so both are due and inside the grace
	// window at the same time.
	assert.NoError(t, env.store.PutTemplate(ctx, &models.PlanTemplate{
		ID:            "tpl-tight",
		ConditionCode: "I50",
		RiskLevel:     models.RiskLow,
		Touches: []models.TemplateTouch{
			{OffsetHours: 1, Channel: models.ChannelSMS, QuestionID: "q-checkin"},
			{OffsetHours: 2, Channel: models.ChannelSMS, QuestionID: "q-pain"},
		},
	}))
	episode := env.seedEpisode(t, "ep-1")
	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)

	env.clock.Advance(2*time.Hour + 30*time.Minute)
	env.gateway.FailWith(models.NewTransientError("GATEWAY_UNAVAILABLE", "provider down"))

	// The first attempt fails transiently and reverts to PENDING; the
	// second must not jump the queue.
	result, err := env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 0, result.Sent)

	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptPending, attempts[0].Status)
	assert.Equal(t, models.AttemptPending, attempts[1].Status)

	// Provider recovers: the next sweep sends both, in order.
	env.gateway.FailWith(nil)
	result, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	sent := env.gateway.Sent()
	assert.Len(t, sent, 2)
	assert.Equal(t, "How are you feeling today?", sent[0].Body)
	assert.Equal(t, "On a scale of 0 to 10, how bad is your pain?", sent[1].Body)
}

func TestSweepMarksRejectedAttemptMissed(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)

	env.clock.Advance(24*time.Hour + 10*time.Minute)
	env.gateway.FailWith(models.NewValidationError("GATEWAY_REJECTED", "bad recipient"))

	result, err := env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Missed)

	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptMissed, attempts[0].Status)

	// Permanent rejections are not retried.
	env.gateway.FailWith(nil)
	result, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	assert.Empty(t, env.gateway.Sent())
}

func TestSweepSkipsClosedEpisodes(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	_, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)
	assert.NoError(t, env.store.CloseEpisode(ctx, episode.ID, env.clock.Now()))

	env.clock.Advance(25 * time.Hour)
	result, err := env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	assert.Empty(t, env.gateway.Sent())
}

func TestSweepIndependentEpisodesUnaffectedByEachOther(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	ctx := context.Background()

	first := env.seedEpisode(t, "ep-1")
	second := env.seedEpisode(t, "ep-2")
	_, err := env.plans.BuildPlan(ctx, first.ID)
	assert.NoError(t, err)
	_, err = env.plans.BuildPlan(ctx, second.ID)
	assert.NoError(t, err)

	assert.NoError(t, env.store.CloseEpisode(ctx, first.ID, env.clock.Now()))

	env.clock.Advance(24*time.Hour + 10*time.Minute)
	result, err := env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Len(t, env.gateway.Sent(), 1)
}
