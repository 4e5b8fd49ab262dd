package store

import (
	"context"
	"time"

	"care-transitions-api/pkg/models"
)

// Clock supplies the current time. Injected so sweeps and SLA checks are
// deterministic under test.
type Clock func() time.Time

// Store is the persistence boundary for the orchestrator. The memory
// implementation is the default and the test double; the Postgres
// implementation is selected when DATABASE_URL is set.
//
// Mutations that must be atomic (plan supersession, risk transitions,
// attempt status moves) are expressed as conditional updates keyed by the
// owning entity: the second of two concurrent writers observes a conflict
// error instead of silently overwriting.
type Store interface {
	// Patients. UpsertPatient is keyed by ExternalID.
	UpsertPatient(ctx context.Context, p *models.Patient) (*models.Patient, error)
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	GetPatientByExternalID(ctx context.Context, externalID string) (*models.Patient, error)

	// Episodes.
	CreateEpisode(ctx context.Context, e *models.Episode) error
	GetEpisode(ctx context.Context, id string) (*models.Episode, error)
	FindEpisodeBySourceMessage(ctx context.Context, messageID string) (*models.Episode, error)
	ListOpenEpisodes(ctx context.Context) ([]*models.Episode, error)
	// UpdateEpisodeRisk applies a new risk level and wellness streak only
	// if the stored RiskVersion still equals fromVersion. Conflict
	// otherwise.
	UpdateEpisodeRisk(ctx context.Context, episodeID string, fromVersion int64, level models.RiskLevel, streak int) error
	// CloseEpisode marks the episode closed and cancels all pending
	// attempts of its plans as one unit.
	CloseEpisode(ctx context.Context, episodeID string, at time.Time) error

	// Plans. SwapActivePlan deactivates the current active plan (and
	// cancels its pending attempts), then activates the new plan with its
	// attempts, as one logical unit. expectActive is the plan the caller
	// observed as active ("" for none); a different active plan is a
	// conflict.
	SwapActivePlan(ctx context.Context, episodeID, expectActive string, plan *models.OutreachPlan, attempts []*models.OutreachAttempt) error
	GetPlan(ctx context.Context, id string) (*models.OutreachPlan, error)
	ListPlans(ctx context.Context, episodeID string) ([]*models.OutreachPlan, error)

	// Attempts.
	GetAttempt(ctx context.Context, id string) (*models.OutreachAttempt, error)
	ListAttemptsByPlan(ctx context.Context, planID string) ([]*models.OutreachAttempt, error)
	// ListDueAttempts returns PENDING attempts due at or before now that
	// belong to active plans of open episodes, ordered by plan then
	// sequence.
	ListDueAttempts(ctx context.Context, now time.Time) ([]*models.OutreachAttempt, error)
	// TransitionAttempt moves an attempt from one status to another only
	// if it is still in the from status. Conflict otherwise.
	TransitionAttempt(ctx context.Context, attemptID string, from, to models.AttemptStatus, at time.Time) error

	// Responses are immutable once recorded.
	CreateResponse(ctx context.Context, r *models.PatientResponse) error
	ListResponses(ctx context.Context, episodeID string) ([]*models.PatientResponse, error)

	// Templates, questions and content packs are authored in the external
	// admin surface; the orchestrator reads them and tests seed them.
	PutTemplate(ctx context.Context, t *models.PlanTemplate) error
	ListTemplates(ctx context.Context) ([]*models.PlanTemplate, error)
	PutQuestion(ctx context.Context, q *models.OutreachQuestion) error
	GetQuestion(ctx context.Context, id string) (*models.OutreachQuestion, error)
	PutContentPack(ctx context.Context, p *models.ContentPack) error
	ActiveContentPack(ctx context.Context) (*models.ContentPack, error)

	// Escalation tasks.
	CreateTask(ctx context.Context, t *models.EscalationTask) error
	GetTask(ctx context.Context, id string) (*models.EscalationTask, error)
	UpdateTask(ctx context.Context, t *models.EscalationTask) error
	ListOpenTasks(ctx context.Context) ([]*models.EscalationTask, error)
	FindOpenTaskByEpisode(ctx context.Context, episodeID string) (*models.EscalationTask, error)

	// Staff.
	PutStaff(ctx context.Context, s *models.StaffMember) error
	ListStaff(ctx context.Context) ([]*models.StaffMember, error)

	// Medications and dose events.
	AddMedication(ctx context.Context, m *models.Medication) error
	ListMedications(ctx context.Context, episodeID string) ([]*models.Medication, error)
	LogDose(ctx context.Context, d *models.DoseEvent) error
	ListDoses(ctx context.Context, episodeID string, since time.Time) ([]*models.DoseEvent, error)

	// Interactions. PurgeInteraction removes the interaction, its
	// messages and any linked escalation task all-or-nothing.
	CreateInteraction(ctx context.Context, i *models.AgentInteraction) error
	FindInteractionByAttempt(ctx context.Context, attemptID string) (*models.AgentInteraction, error)
	AddMessage(ctx context.Context, m *models.Message) error
	PurgeInteraction(ctx context.Context, interactionID string) error
}
