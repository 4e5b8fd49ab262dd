package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store guarded by a single RWMutex. It is the
// default store and the test double; per-episode conditional updates give
// the same winner/loser semantics as the SQL implementation.
type MemStore struct {
	mu           sync.RWMutex
	patients     map[string]*models.Patient
	episodes     map[string]*models.Episode
	plans        map[string]*models.OutreachPlan
	attempts     map[string]*models.OutreachAttempt
	responses    map[string]*models.PatientResponse
	templates    map[string]*models.PlanTemplate
	questions    map[string]*models.OutreachQuestion
	packs        map[string]*models.ContentPack
	tasks        map[string]*models.EscalationTask
	staff        map[string]*models.StaffMember
	medications  map[string]*models.Medication
	doses        map[string]*models.DoseEvent
	interactions map[string]*models.AgentInteraction
	messages     map[string]*models.Message
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		patients:     make(map[string]*models.Patient),
		episodes:     make(map[string]*models.Episode),
		plans:        make(map[string]*models.OutreachPlan),
		attempts:     make(map[string]*models.OutreachAttempt),
		responses:    make(map[string]*models.PatientResponse),
		templates:    make(map[string]*models.PlanTemplate),
		questions:    make(map[string]*models.OutreachQuestion),
		packs:        make(map[string]*models.ContentPack),
		tasks:        make(map[string]*models.EscalationTask),
		staff:        make(map[string]*models.StaffMember),
		medications:  make(map[string]*models.Medication),
		doses:        make(map[string]*models.DoseEvent),
		interactions: make(map[string]*models.AgentInteraction),
		messages:     make(map[string]*models.Message),
	}
}

func (s *MemStore) UpsertPatient(_ context.Context, p *models.Patient) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.patients {
		if existing.ExternalID == p.ExternalID {
			if p.Name != "" {
				existing.Name = p.Name
			}
			if p.Phone != "" {
				existing.Phone = p.Phone
			}
			if p.Email != "" {
				existing.Email = p.Email
			}
			cp := *existing
			return &cp, nil
		}
	}
	np := *p
	if np.ID == "" {
		np.ID = uuid.New().String()
	}
	s.patients[np.ID] = &np
	cp := np
	return &cp, nil
}

func (s *MemStore) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, models.NewNotFoundError("PATIENT_NOT_FOUND", "no patient with id %s", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) GetPatientByExternalID(_ context.Context, externalID string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patients {
		if p.ExternalID == externalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.NewNotFoundError("PATIENT_NOT_FOUND", "no patient with external id %s", externalID)
}

func (s *MemStore) CreateEpisode(_ context.Context, e *models.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.SourceMessageID != "" {
		for _, existing := range s.episodes {
			if existing.SourceMessageID == e.SourceMessageID {
				return models.NewConflictError("DUPLICATE_SOURCE_MESSAGE", "message %s already opened episode %s", e.SourceMessageID, existing.ID)
			}
		}
	}
	cp := *e
	s.episodes[cp.ID] = &cp
	return nil
}

func (s *MemStore) GetEpisode(_ context.Context, id string) (*models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.episodeLocked(id)
}

func (s *MemStore) episodeLocked(id string) (*models.Episode, error) {
	e, ok := s.episodes[id]
	if !ok {
		return nil, models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) FindEpisodeBySourceMessage(_ context.Context, messageID string) (*models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.episodes {
		if e.SourceMessageID == messageID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode from message %s", messageID)
}

func (s *MemStore) ListOpenEpisodes(_ context.Context) ([]*models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Episode
	for _, e := range s.episodes {
		if e.Status == models.EpisodeOpen {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateEpisodeRisk(_ context.Context, episodeID string, fromVersion int64, level models.RiskLevel, streak int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[episodeID]
	if !ok {
		return models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", episodeID)
	}
	if e.RiskVersion != fromVersion {
		return models.NewConflictError("RISK_VERSION_CONFLICT", "episode %s risk version is %d, expected %d", episodeID, e.RiskVersion, fromVersion)
	}
	e.RiskLevel = level
	e.WellnessStreak = streak
	e.RiskVersion++
	return nil
}

func (s *MemStore) CloseEpisode(_ context.Context, episodeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[episodeID]
	if !ok {
		return models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", episodeID)
	}
	e.Status = models.EpisodeClosed
	closed := at
	e.ClosedAt = &closed
	for _, a := range s.attempts {
		if a.EpisodeID == episodeID && !a.Status.Terminal() {
			a.Status = models.AttemptCancelled
		}
	}
	return nil
}

func (s *MemStore) SwapActivePlan(_ context.Context, episodeID, expectActive string, plan *models.OutreachPlan, attempts []*models.OutreachAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[episodeID]
	if !ok {
		return models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", episodeID)
	}
	if e.ActivePlanID != expectActive {
		return models.NewConflictError("PLAN_CONFLICT", "episode %s active plan is %q, expected %q", episodeID, e.ActivePlanID, expectActive)
	}
	if old, ok := s.plans[e.ActivePlanID]; ok {
		old.Active = false
		superseded := plan.CreatedAt
		old.SupersededAt = &superseded
		for _, a := range s.attempts {
			if a.PlanID == old.ID && !a.Status.Terminal() {
				a.Status = models.AttemptCancelled
			}
		}
	}
	np := *plan
	np.Active = true
	s.plans[np.ID] = &np
	for _, a := range attempts {
		ca := *a
		s.attempts[ca.ID] = &ca
	}
	e.ActivePlanID = np.ID
	return nil
}

func (s *MemStore) GetPlan(_ context.Context, id string) (*models.OutreachPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, models.NewNotFoundError("PLAN_NOT_FOUND", "no plan with id %s", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) ListPlans(_ context.Context, episodeID string) ([]*models.OutreachPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OutreachPlan
	for _, p := range s.plans {
		if p.EpisodeID == episodeID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) GetAttempt(_ context.Context, id string) (*models.OutreachAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, models.NewNotFoundError("ATTEMPT_NOT_FOUND", "no attempt with id %s", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) ListAttemptsByPlan(_ context.Context, planID string) ([]*models.OutreachAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OutreachAttempt
	for _, a := range s.attempts {
		if a.PlanID == planID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemStore) ListDueAttempts(_ context.Context, now time.Time) ([]*models.OutreachAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OutreachAttempt
	for _, a := range s.attempts {
		if a.Status != models.AttemptPending || a.DueAt.After(now) {
			continue
		}
		plan, ok := s.plans[a.PlanID]
		if !ok || !plan.Active {
			continue
		}
		episode, ok := s.episodes[a.EpisodeID]
		if !ok || episode.Status != models.EpisodeOpen {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *MemStore) TransitionAttempt(_ context.Context, attemptID string, from, to models.AttemptStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return models.NewNotFoundError("ATTEMPT_NOT_FOUND", "no attempt with id %s", attemptID)
	}
	if a.Status != from {
		return models.NewConflictError("ATTEMPT_STATUS_CONFLICT", "attempt %s is %s, expected %s", attemptID, a.Status, from)
	}
	a.Status = to
	switch to {
	case models.AttemptSent:
		t := at
		a.SentAt = &t
	case models.AttemptResponded:
		t := at
		a.RespondedAt = &t
	}
	return nil
}

func (s *MemStore) CreateResponse(_ context.Context, r *models.PatientResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.responses[cp.ID] = &cp
	return nil
}

func (s *MemStore) ListResponses(_ context.Context, episodeID string) ([]*models.PatientResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PatientResponse
	for _, r := range s.responses {
		if r.EpisodeID == episodeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *MemStore) PutTemplate(_ context.Context, t *models.PlanTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.templates[cp.ID] = &cp
	return nil
}

func (s *MemStore) ListTemplates(_ context.Context) ([]*models.PlanTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PlanTemplate
	for _, t := range s.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) PutQuestion(_ context.Context, q *models.OutreachQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.questions[cp.ID] = &cp
	return nil
}

func (s *MemStore) GetQuestion(_ context.Context, id string) (*models.OutreachQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, models.NewNotFoundError("QUESTION_NOT_FOUND", "no question with id %s", id)
	}
	cp := *q
	return &cp, nil
}

func (s *MemStore) PutContentPack(_ context.Context, p *models.ContentPack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Rules = append([]models.ContentRule(nil), p.Rules...)
	s.packs[cp.ID] = &cp
	return nil
}

func (s *MemStore) ActiveContentPack(_ context.Context) (*models.ContentPack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.ContentPack
	for _, p := range s.packs {
		if !p.Active {
			continue
		}
		if best == nil || p.Version > best.Version {
			best = p
		}
	}
	if best == nil {
		return nil, models.NewConfigError("NO_CONTENT_PACK", "no active protocol content pack")
	}
	cp := *best
	cp.Rules = append([]models.ContentRule(nil), best.Rules...)
	return &cp, nil
}

func (s *MemStore) CreateTask(_ context.Context, t *models.EscalationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[cp.ID] = &cp
	return nil
}

func (s *MemStore) GetTask(_ context.Context, id string) (*models.EscalationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.NewNotFoundError("TASK_NOT_FOUND", "no task with id %s", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) UpdateTask(_ context.Context, t *models.EscalationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return models.NewNotFoundError("TASK_NOT_FOUND", "no task with id %s", t.ID)
	}
	cp := *t
	s.tasks[cp.ID] = &cp
	return nil
}

func (s *MemStore) ListOpenTasks(_ context.Context) ([]*models.EscalationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EscalationTask
	for _, t := range s.tasks {
		if t.Status != models.TaskResolved {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) FindOpenTaskByEpisode(_ context.Context, episodeID string) (*models.EscalationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.EpisodeID == episodeID && t.Status != models.TaskResolved {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.NewNotFoundError("TASK_NOT_FOUND", "no open task for episode %s", episodeID)
}

func (s *MemStore) PutStaff(_ context.Context, m *models.StaffMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.staff[cp.ID] = &cp
	return nil
}

func (s *MemStore) ListStaff(_ context.Context) ([]*models.StaffMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StaffMember
	for _, m := range s.staff {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) AddMedication(_ context.Context, m *models.Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.medications[cp.ID] = &cp
	return nil
}

func (s *MemStore) ListMedications(_ context.Context, episodeID string) ([]*models.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Medication
	for _, m := range s.medications {
		if m.EpisodeID == episodeID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) LogDose(_ context.Context, d *models.DoseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.doses[cp.ID] = &cp
	return nil
}

func (s *MemStore) ListDoses(_ context.Context, episodeID string, since time.Time) ([]*models.DoseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DoseEvent
	for _, d := range s.doses {
		if d.EpisodeID == episodeID && !d.TakenAt.Before(since) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out, nil
}

func (s *MemStore) CreateInteraction(_ context.Context, i *models.AgentInteraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	s.interactions[cp.ID] = &cp
	return nil
}

func (s *MemStore) FindInteractionByAttempt(_ context.Context, attemptID string) (*models.AgentInteraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, i := range s.interactions {
		if i.AttemptID == attemptID {
			cp := *i
			return &cp, nil
		}
	}
	return nil, models.NewNotFoundError("INTERACTION_NOT_FOUND", "no interaction for attempt %s", attemptID)
}

func (s *MemStore) AddMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[m.InteractionID]; !ok {
		return models.NewNotFoundError("INTERACTION_NOT_FOUND", "no interaction with id %s", m.InteractionID)
	}
	cp := *m
	s.messages[cp.ID] = &cp
	return nil
}

// PurgeInteraction removes the interaction, its messages and any linked
// escalation task as one unit; under the single lock a partial cascade is
// not observable.
func (s *MemStore) PurgeInteraction(_ context.Context, interactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[interactionID]; !ok {
		return models.NewNotFoundError("INTERACTION_NOT_FOUND", "no interaction with id %s", interactionID)
	}
	delete(s.interactions, interactionID)
	for id, m := range s.messages {
		if m.InteractionID == interactionID {
			delete(s.messages, id)
		}
	}
	for id, t := range s.tasks {
		if t.InteractionID == interactionID {
			delete(s.tasks, id)
		}
	}
	return nil
}
