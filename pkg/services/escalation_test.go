package services

import (
	"context"
	"testing"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestNewTaskAssignedToLeastLoadedStaff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{ID: "nurse-a", Available: true}))
	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{ID: "nurse-b", Available: true}))

	// nurse-a already holds a high-severity task.
	assert.NoError(t, env.store.CreateTask(ctx, &models.EscalationTask{
		ID:         "task-existing",
		EpisodeID:  "ep-other",
		Severity:   models.RiskHigh,
		Status:     models.TaskAssigned,
		AssigneeID: "nurse-a",
		CreatedAt:  env.clock.Now(),
	}))

	episode := env.seedEpisode(t, "ep-1")
	task, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskHigh, "")
	assert.NoError(t, err)
	assert.Equal(t, "nurse-b", task.AssigneeID)
	assert.Equal(t, models.TaskAssigned, task.Status)
	assert.Equal(t, env.clock.Now().Add(time.Hour), task.SLADeadline)
}

func TestAssignmentPrefersSpecialtyMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{ID: "nurse-a", Available: true}))
	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{ID: "nurse-hf", Specialties: []string{"I50"}, Available: true}))

	episode := env.seedEpisode(t, "ep-1")
	task, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskMedium, "")
	assert.NoError(t, err)
	assert.Equal(t, "nurse-hf", task.AssigneeID)
}

func TestTaskWithoutStaffStaysOpen(t *testing.T) {
	env := newTestEnv(t)
	episode := env.seedEpisode(t, "ep-1")

	task, err := env.escalation.OpenOrEscalate(context.Background(), episode, models.RiskMedium, "")
	assert.NoError(t, err)
	assert.Empty(t, task.AssigneeID)
	assert.Equal(t, models.TaskOpen, task.Status)
}

func TestSeverityBumpTightensDeadlineOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaff(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	task, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskMedium, "")
	assert.NoError(t, err)
	mediumDeadline := task.SLADeadline

	bumped, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskHigh, "")
	assert.NoError(t, err)
	assert.Equal(t, task.ID, bumped.ID)
	assert.Equal(t, models.RiskHigh, bumped.Severity)
	assert.True(t, bumped.SLADeadline.Before(mediumDeadline))

	// A repeat at the same severity changes nothing.
	again, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskHigh, "")
	assert.NoError(t, err)
	assert.Equal(t, bumped.SLADeadline, again.SLADeadline)
}

func TestMonitorPassEscalatesBreachedTask(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaff(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{ID: "nurse-2", Specialties: []string{"I50"}, Available: true}))

	task, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskMedium, "")
	assert.NoError(t, err)
	originalAssignee := task.AssigneeID

	// Inside the window: nothing happens.
	result, err := env.escalation.RunMonitorPass(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Breached)

	// Past the 4h MEDIUM window.
	env.clock.Advance(4*time.Hour + time.Minute)
	result, err = env.escalation.RunMonitorPass(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Breached)
	assert.Equal(t, 1, result.Escalated)

	got, err := env.store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.RiskHigh, got.Severity)
	assert.Equal(t, 1, got.EscalationCount)
	assert.NotEqual(t, originalAssignee, got.AssigneeID)
	// Deadline recomputed from the breach so the next pass measures the
	// new window instead of re-firing immediately.
	assert.Equal(t, env.clock.Now().Add(time.Hour), got.SLADeadline)

	// The supervisor heard about it.
	sent := env.gateway.Sent()
	assert.Len(t, sent, 1)
	assert.Equal(t, "+15550999", sent[0].Recipient)
	assert.Contains(t, sent[0].Body, task.ID)

	// The immediately-following pass sees the new deadline and does not
	// escalate again.
	result, err = env.escalation.RunMonitorPass(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Breached)
}

func TestMonitorNotificationFailureStillRecordsBreach(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaff(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	task, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskHigh, "")
	assert.NoError(t, err)

	env.gateway.FailWith(models.NewTransientError("GATEWAY_UNAVAILABLE", "provider down"))
	env.clock.Advance(time.Hour + time.Minute)

	result, err := env.escalation.RunMonitorPass(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)

	got, err := env.store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, got.EscalationCount)
}

func TestResolveRequiresOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaff(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	task, err := env.escalation.OpenOrEscalate(ctx, episode, models.RiskMedium, "")
	assert.NoError(t, err)

	_, err = env.escalation.Resolve(ctx, task.ID, "", "called patient", "nurse-1")
	assert.Error(t, err)
	assert.True(t, models.IsValidation(err))

	resolved, err := env.escalation.Resolve(ctx, task.ID, "patient_reached", "called patient", "nurse-1")
	assert.NoError(t, err)
	assert.Equal(t, models.TaskResolved, resolved.Status)
	assert.Equal(t, "patient_reached", resolved.Outcome)
	assert.NotNil(t, resolved.ResolvedAt)

	// Resolving twice is a conflict.
	_, err = env.escalation.Resolve(ctx, task.ID, "patient_reached", "", "nurse-1")
	assert.Error(t, err)
	assert.True(t, models.IsConflict(err))
}

func TestResolveUnknownTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.escalation.Resolve(context.Background(), "missing", "done", "", "nurse-1")
	assert.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestResolveDoesNotTouchEpisodeRisk(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaff(t)
	episode := env.seedEpisode(t, "ep-1")
	ctx := context.Background()

	tr, err := env.risk.Apply(ctx, episode.ID, models.SignalCritical, "interpreter", "")
	assert.NoError(t, err)

	_, err = env.escalation.Resolve(ctx, tr.Task.ID, "patient_reached", "", "nurse-1")
	assert.NoError(t, err)

	got, err := env.store.GetEpisode(ctx, episode.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.RiskHigh, got.RiskLevel)
}
