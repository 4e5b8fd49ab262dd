package services

import (
	"context"
	"log"
	"sync"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"

	"github.com/google/uuid"
)

// AdherenceService tracks prescribed medications and dose events per
// episode and computes a rolling-window adherence ratio. A sustained drop
// below the threshold feeds an ELEVATED signal into the risk machine.
// Pharmacy failures degrade to UNKNOWN adherence, never to a false
// ADHERENT reading.
type AdherenceService struct {
	store        store.Store
	pharmacy     PharmacyClient
	risk         *RiskService
	clock        store.Clock
	audit        *AuditService
	windowDays   int
	threshold    float64
	checkTimeout time.Duration

	// lastStatus gates signal emission to the transition into
	// NON_ADHERENT, so repeated summaries do not stack upgrades.
	lastStatus map[string]models.AdherenceStatus
	mu         sync.Mutex
}

// NewAdherenceService wires the tracker with its collaborators.
func NewAdherenceService(st store.Store, pharmacy PharmacyClient, risk *RiskService, clock store.Clock, audit *AuditService, windowDays int, threshold float64, checkTimeout time.Duration) *AdherenceService {
	if clock == nil {
		clock = time.Now
	}
	if windowDays <= 0 {
		windowDays = 7
	}
	if threshold <= 0 {
		threshold = 0.8
	}
	return &AdherenceService{
		store:        st,
		pharmacy:     pharmacy,
		risk:         risk,
		clock:        clock,
		audit:        audit,
		windowDays:   windowDays,
		threshold:    threshold,
		checkTimeout: checkTimeout,
		lastStatus:   make(map[string]models.AdherenceStatus),
	}
}

// Prescribe registers a medication for the episode.
func (s *AdherenceService) Prescribe(ctx context.Context, episodeID, name string, dosesPerDay int) (*models.Medication, error) {
	if name == "" || dosesPerDay <= 0 {
		return nil, models.NewValidationError("BAD_PRESCRIPTION", "medication name and a positive doses-per-day are required")
	}
	if _, err := s.store.GetEpisode(ctx, episodeID); err != nil {
		return nil, err
	}
	med := &models.Medication{
		ID:           uuid.New().String(),
		EpisodeID:    episodeID,
		Name:         name,
		DosesPerDay:  dosesPerDay,
		PrescribedAt: s.clock(),
	}
	if err := s.store.AddMedication(ctx, med); err != nil {
		return nil, err
	}
	return med, nil
}

// LogDose records one reported dose and re-evaluates the episode's
// adherence.
func (s *AdherenceService) LogDose(ctx context.Context, episodeID, medicationID string, takenAt time.Time) (*models.AdherenceSummary, error) {
	meds, err := s.store.ListMedications(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	known := false
	for _, m := range meds {
		if m.ID == medicationID {
			known = true
			break
		}
	}
	if !known {
		return nil, models.NewNotFoundError("MEDICATION_NOT_FOUND", "no medication %s for episode %s", medicationID, episodeID)
	}
	if takenAt.IsZero() {
		takenAt = s.clock()
	}
	err = s.store.LogDose(ctx, &models.DoseEvent{
		ID:           uuid.New().String(),
		MedicationID: medicationID,
		EpisodeID:    episodeID,
		TakenAt:      takenAt,
		Source:       "reported",
	})
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, episodeID)
}

// CheckPharmacy pulls dispense confirmations from the pharmacy network
// and folds them into the dose history. A pharmacy failure (network,
// timeout, rejection) yields an UNKNOWN summary rather than an error: the
// tracker must not report adherent on missing data.
func (s *AdherenceService) CheckPharmacy(ctx context.Context, episodeID string) (*models.AdherenceSummary, error) {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	patient, err := s.store.GetPatient(ctx, episode.PatientID)
	if err != nil {
		return nil, err
	}
	meds, err := s.store.ListMedications(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	since := s.clock().AddDate(0, 0, -s.windowDays)

	for _, med := range meds {
		checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		events, err := s.pharmacy.DispenseEvents(checkCtx, patient.ExternalID, med.Name, since)
		cancel()
		if err != nil {
			log.Printf("adherence: pharmacy check for episode %s: %v", episodeID, err)
			if s.audit != nil {
				s.audit.Record(episodeID, "pharmacy_check_failed", "medication %s: %v", med.Name, err)
			}
			return s.unknownSummary(episodeID), nil
		}
		existing, err := s.store.ListDoses(ctx, episodeID, since)
		if err != nil {
			return nil, err
		}
		for _, at := range events {
			if doseRecorded(existing, med.ID, at) {
				continue
			}
			err := s.store.LogDose(ctx, &models.DoseEvent{
				ID:           uuid.New().String(),
				MedicationID: med.ID,
				EpisodeID:    episodeID,
				TakenAt:      at,
				Source:       "pharmacy",
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return s.evaluate(ctx, episodeID)
}

// Summary computes the rolling-window view without side effects.
func (s *AdherenceService) Summary(ctx context.Context, episodeID string) (*models.AdherenceSummary, error) {
	if _, err := s.store.GetEpisode(ctx, episodeID); err != nil {
		return nil, err
	}
	return s.compute(ctx, episodeID)
}

func (s *AdherenceService) compute(ctx context.Context, episodeID string) (*models.AdherenceSummary, error) {
	now := s.clock()
	since := now.AddDate(0, 0, -s.windowDays)
	meds, err := s.store.ListMedications(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	expected := 0
	for _, m := range meds {
		start := since
		if m.PrescribedAt.After(start) {
			start = m.PrescribedAt
		}
		days := int(now.Sub(start).Hours() / 24)
		if days <= 0 {
			continue
		}
		expected += days * m.DosesPerDay
	}
	doses, err := s.store.ListDoses(ctx, episodeID, since)
	if err != nil {
		return nil, err
	}

	summary := &models.AdherenceSummary{
		EpisodeID:     episodeID,
		WindowDays:    s.windowDays,
		DosesExpected: expected,
		DosesTaken:    len(doses),
		ComputedAt:    now,
	}
	if expected == 0 {
		summary.Status = models.AdherenceUnknown
		return summary, nil
	}
	summary.Ratio = float64(len(doses)) / float64(expected)
	if summary.Ratio >= s.threshold {
		summary.Status = models.AdherenceAdherent
	} else {
		summary.Status = models.AdherenceNonAdherent
	}
	return summary, nil
}

// evaluate computes the summary and emits a risk signal when the episode
// newly drops below the threshold.
func (s *AdherenceService) evaluate(ctx context.Context, episodeID string) (*models.AdherenceSummary, error) {
	summary, err := s.compute(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	previous := s.lastStatus[episodeID]
	s.lastStatus[episodeID] = summary.Status
	s.mu.Unlock()

	if summary.Status == models.AdherenceNonAdherent && previous != models.AdherenceNonAdherent {
		if _, err := s.risk.Apply(ctx, episodeID, models.SignalElevated, "adherence", ""); err != nil {
			log.Printf("adherence: risk signal for episode %s: %v", episodeID, err)
		}
	}
	return summary, nil
}

func (s *AdherenceService) unknownSummary(episodeID string) *models.AdherenceSummary {
	s.mu.Lock()
	s.lastStatus[episodeID] = models.AdherenceUnknown
	s.mu.Unlock()
	return &models.AdherenceSummary{
		EpisodeID:  episodeID,
		WindowDays: s.windowDays,
		Status:     models.AdherenceUnknown,
		ComputedAt: s.clock(),
	}
}

func doseRecorded(doses []*models.DoseEvent, medicationID string, at time.Time) bool {
	for _, d := range doses {
		if d.MedicationID == medicationID && d.TakenAt.Equal(at) {
			return true
		}
	}
	return false
}
