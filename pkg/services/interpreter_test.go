package services

import (
	"context"
	"testing"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/stretchr/testify/assert"
)

// sendFirstAttempt builds a plan, runs a sweep and returns the attempt
// that just went out, ready to receive a reply.
func sendFirstAttempt(t *testing.T, env *testEnv, episodeID string) *models.OutreachAttempt {
	t.Helper()
	ctx := context.Background()
	plan, err := env.plans.BuildPlan(ctx, episodeID)
	assert.NoError(t, err)
	env.clock.Advance(24*time.Hour + 10*time.Minute)
	_, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptSent, attempts[0].Status)
	return attempts[0]
}

func TestInterpretKeywordMatchEmitsSignal(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	attempt := sendFirstAttempt(t, env, episode.ID)
	ctx := context.Background()

	result, err := env.interpreter.Interpret(ctx, attempt.ID, ResponsePayload{Text: "Feeling a bit dizzy since yesterday"})
	assert.NoError(t, err)
	assert.Equal(t, models.SignalElevated, result.Signal)
	assert.Equal(t, "rule-dizzy", result.Response.MatchedRuleID)
	assert.False(t, result.NeedsFollowUp)

	got, err := env.store.GetAttempt(ctx, attempt.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AttemptResponded, got.Status)
}

func TestInterpretCriticalRuleForcesCritical(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	attempt := sendFirstAttempt(t, env, episode.ID)

	result, err := env.interpreter.Interpret(context.Background(), attempt.ID, ResponsePayload{Text: "I have chest pain and feel weak"})
	assert.NoError(t, err)
	assert.Equal(t, models.SignalCritical, result.Signal)
}

func TestInterpretUnmatchedTextPreservedWithNoneSignal(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	attempt := sendFirstAttempt(t, env, episode.ID)
	ctx := context.Background()

	raw := "   MY cat knocked over the   phone  "
	result, err := env.interpreter.Interpret(ctx, attempt.ID, ResponsePayload{Text: raw})
	assert.NoError(t, err)
	assert.Equal(t, models.SignalNone, result.Signal)
	assert.Empty(t, result.Response.MatchedRuleID)

	// The reply is stored verbatim, not normalized away.
	responses, err := env.store.ListResponses(ctx, episode.ID)
	assert.NoError(t, err)
	assert.Len(t, responses, 1)
	assert.Equal(t, raw, responses[0].RawText)
}

func TestInterpretPainScoreThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)
	env.clock.Advance(72*time.Hour + 10*time.Minute)
	_, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	painAttempt := attempts[1]
	assert.Equal(t, models.AttemptSent, painAttempt.Status)

	// "8/10" against a threshold of 7 derives ELEVATED.
	result, err := env.interpreter.Interpret(ctx, painAttempt.ID, ResponsePayload{Text: "my pain is 8/10 today"})
	assert.NoError(t, err)
	assert.Equal(t, models.SignalElevated, result.Signal)
	assert.NotNil(t, result.Response.NumericValue)
	assert.Equal(t, 8.0, *result.Response.NumericValue)
}

func TestInterpretNumericFollowUpFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)
	env.clock.Advance(72*time.Hour + 10*time.Minute)
	_, err = env.scheduler.RunSweep(ctx)
	assert.NoError(t, err)
	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)
	painAttempt := attempts[1]

	// The rule wants a number and the reply has none: no signal yet,
	// ask the follow-up question instead.
	result, err := env.interpreter.Interpret(ctx, painAttempt.ID, ResponsePayload{Text: "it hurts quite a lot"})
	assert.NoError(t, err)
	assert.True(t, result.NeedsFollowUp)
	assert.Equal(t, "q-pain", result.FollowUpQuestionID)
	assert.Equal(t, models.SignalNone, result.Signal)

	// The follow-up answer lands on the now-RESPONDED attempt and is
	// still accepted; a below-threshold score derives no signal.
	three := 3.0
	result, err = env.interpreter.Interpret(ctx, painAttempt.ID, ResponsePayload{Text: "about a 3", NumericValue: &three})
	assert.NoError(t, err)
	assert.False(t, result.NeedsFollowUp)
	assert.Equal(t, models.SignalNone, result.Signal)

	// Both replies are on record.
	responses, err := env.store.ListResponses(ctx, episode.ID)
	assert.NoError(t, err)
	assert.Len(t, responses, 2)
}

func TestInterpretRejectsUnsentAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	plan, err := env.plans.BuildPlan(ctx, episode.ID)
	assert.NoError(t, err)
	attempts, err := env.store.ListAttemptsByPlan(ctx, plan.ID)
	assert.NoError(t, err)

	_, err = env.interpreter.Interpret(ctx, attempts[0].ID, ResponsePayload{Text: "hello"})
	assert.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestInterpretRecordsConversationThread(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	episode := env.seedEpisode(t, "ep-1")
	attempt := sendFirstAttempt(t, env, episode.ID)
	ctx := context.Background()

	_, err := env.interpreter.Interpret(ctx, attempt.ID, ResponsePayload{Text: "doing fine"})
	assert.NoError(t, err)

	interaction, err := env.store.FindInteractionByAttempt(ctx, attempt.ID)
	assert.NoError(t, err)
	assert.Equal(t, episode.ID, interaction.EpisodeID)
}

func TestTaskOpenedByResponseLinksItsInteraction(t *testing.T) {
	env := newTestEnv(t)
	env.seedProtocol(t)
	env.seedStaff(t)
	episode := env.seedEpisode(t, "ep-1")
	attempt := sendFirstAttempt(t, env, episode.ID)
	ctx := context.Background()

	result, err := env.interpreter.Interpret(ctx, attempt.ID, ResponsePayload{Text: "Feeling very dizzy"})
	assert.NoError(t, err)
	assert.NotEmpty(t, result.InteractionID)

	tr, err := env.risk.Apply(ctx, episode.ID, result.Signal, "interpreter", result.InteractionID)
	assert.NoError(t, err)
	assert.NotNil(t, tr.Task)
	assert.Equal(t, result.InteractionID, tr.Task.InteractionID)

	// Purging the conversation takes the task it opened with it.
	assert.NoError(t, env.store.PurgeInteraction(ctx, result.InteractionID))
	_, err = env.store.GetTask(ctx, tr.Task.ID)
	assert.True(t, models.IsNotFound(err))
}
