package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"

	"github.com/stretchr/testify/assert"
)

// testClock is a settable clock shared by a test's services.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// fakeGateway records outbound notifications and can be scripted to fail.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []Notification
	failWith error
}

func (g *fakeGateway) Send(ctx context.Context, n Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return g.failWith
	}
	g.sent = append(g.sent, n)
	return nil
}

func (g *fakeGateway) Sent() []Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Notification, len(g.sent))
	copy(out, g.sent)
	return out
}

func (g *fakeGateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// fakePharmacy returns scripted dispense events or a scripted error.
type fakePharmacy struct {
	events   []time.Time
	failWith error
}

func (p *fakePharmacy) DispenseEvents(ctx context.Context, patientExternalID, medication string, since time.Time) ([]time.Time, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	return p.events, nil
}

// fakeExporter records export notes and can be scripted to fail.
type fakeExporter struct {
	notes    []ExportNote
	failWith error
}

func (e *fakeExporter) Export(ctx context.Context, note ExportNote) error {
	if e.failWith != nil {
		return e.failWith
	}
	e.notes = append(e.notes, note)
	return nil
}

// testEnv bundles one test's store, clock and services, built the
// same way main wires them but with fakes behind every external boundary.
type testEnv struct {
	store       *store.MemStore
	clock       *testClock
	gateway     *fakeGateway
	pharmacy    *fakePharmacy
	exporter    *fakeExporter
	audit       *AuditService
	plans       *PlanBuilderService
	scheduler   *SchedulerService
	interpreter *InterpreterService
	escalation  *EscalationService
	risk        *RiskService
	adherence   *AdherenceService
	ehr         *EHRService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemStore(),
		clock:    newTestClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		gateway:  &fakeGateway{},
		pharmacy: &fakePharmacy{},
		exporter: &fakeExporter{},
	}
	env.audit = NewAuditService(env.clock.Now)
	env.plans = NewPlanBuilderService(env.store, env.clock.Now, env.audit)
	env.scheduler = NewSchedulerService(env.store, env.gateway, env.clock.Now, env.audit, 2*time.Hour, time.Second)
	env.escalation = NewEscalationService(env.store, env.gateway, env.clock.Now, env.audit, SLAPolicy{
		High:   time.Hour,
		Medium: 4 * time.Hour,
		Low:    24 * time.Hour,
	}, time.Second)
	env.risk = NewRiskService(env.store, env.escalation, env.clock.Now, env.audit, 3)
	env.interpreter = NewInterpreterService(env.store, env.clock.Now, env.audit)
	env.adherence = NewAdherenceService(env.store, env.pharmacy, env.risk, env.clock.Now, env.audit, 7, 0.8, time.Second)
	env.ehr = NewEHRService(env.store, env.plans, env.exporter, env.clock.Now, env.audit, time.Second)
	return env
}

// seedProtocol installs a question, a default template and an active
// content pack covering the common test scenarios.
func (env *testEnv) seedProtocol(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	assert.NoError(t, env.store.PutQuestion(ctx, &models.OutreachQuestion{
		ID:       "q-checkin",
		Category: "general",
		Text:     "How are you feeling today?",
	}))
	assert.NoError(t, env.store.PutQuestion(ctx, &models.OutreachQuestion{
		ID:       "q-pain",
		Category: "pain",
		Text:     "On a scale of 0 to 10, how bad is your pain?",
	}))
	assert.NoError(t, env.store.PutTemplate(ctx, &models.PlanTemplate{
		ID:   "tpl-default",
		Name: "System default",
		Touches: []models.TemplateTouch{
			{OffsetHours: 24, Channel: models.ChannelSMS, QuestionID: "q-checkin"},
			{OffsetHours: 72, Channel: models.ChannelSMS, QuestionID: "q-pain"},
		},
	}))
	threshold := 7.0
	assert.NoError(t, env.store.PutContentPack(ctx, &models.ContentPack{
		ID:      "pack-1",
		Version: 1,
		Active:  true,
		Rules: []models.ContentRule{
			{
				ID:       "rule-chest-pain",
				Keywords: []string{"chest pain", "can't breathe"},
				Signal:   models.SignalElevated,
				Critical: true,
			},
			{
				ID:                 "rule-pain-score",
				Category:           "pain",
				Pattern:            `\d`,
				Keywords:           []string{"pain", "hurt"},
				NumericFollowUp:    true,
				FollowUpQuestionID: "q-pain",
				Threshold:          &threshold,
				ThresholdSignal:    models.SignalElevated,
			},
			{
				ID:       "rule-dizzy",
				Keywords: []string{"dizzy", "worse"},
				Signal:   models.SignalElevated,
			},
			{
				ID:       "rule-fine",
				Keywords: []string{"fine", "good", "better"},
				Signal:   models.SignalNone,
			},
		},
	}))
}

// seedEpisode creates a patient and an open LOW-risk episode discharged at
// the clock's current time.
func (env *testEnv) seedEpisode(t *testing.T, id string) *models.Episode {
	t.Helper()
	ctx := context.Background()
	patient, err := env.store.UpsertPatient(ctx, &models.Patient{
		ID:         "pat-" + id,
		ExternalID: "MRN-" + id,
		Name:       "Alex Rivera",
		Phone:      "+15550100",
		CreatedAt:  env.clock.Now(),
	})
	assert.NoError(t, err)
	episode := &models.Episode{
		ID:            id,
		PatientID:     patient.ID,
		ConditionCode: "I50",
		DischargedAt:  env.clock.Now(),
		RiskLevel:     models.RiskLow,
		Status:        models.EpisodeOpen,
		CreatedAt:     env.clock.Now(),
	}
	assert.NoError(t, env.store.CreateEpisode(ctx, episode))
	return episode
}

// seedStaff registers one available nurse and one supervisor.
func (env *testEnv) seedStaff(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{
		ID:          "nurse-1",
		Name:        "Jordan Lee",
		Specialties: []string{"I50"},
		Available:   true,
	}))
	assert.NoError(t, env.store.PutStaff(ctx, &models.StaffMember{
		ID:         "super-1",
		Name:       "Sam Okafor",
		Available:  true,
		Supervisor: true,
		Contact:    "+15550999",
	}))
}
