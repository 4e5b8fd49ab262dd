package services

import (
	"context"
	"log"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"
)

// SchedulerService is the periodic sweep over due outreach attempts.
// Each invocation is idempotent: an attempt can only move PENDING→SENT
// through a conditional update, so re-running a sweep over the same
// window never double-sends.
type SchedulerService struct {
	store       store.Store
	gateway     NotificationGateway
	clock       store.Clock
	audit       *AuditService
	grace       time.Duration
	sendTimeout time.Duration
}

// NewSchedulerService wires the sweep with its collaborators. grace is
// how long a due attempt may stay PENDING before it is marked MISSED;
// sendTimeout bounds each gateway call.
func NewSchedulerService(st store.Store, gateway NotificationGateway, clock store.Clock, audit *AuditService, grace, sendTimeout time.Duration) *SchedulerService {
	if clock == nil {
		clock = time.Now
	}
	return &SchedulerService{
		store:       st,
		gateway:     gateway,
		clock:       clock,
		audit:       audit,
		grace:       grace,
		sendTimeout: sendTimeout,
	}
}

// SweepResult summarises one sweep invocation.
type SweepResult struct {
	RanAt     time.Time `json:"ran_at"`
	Due       int       `json:"due"`
	Sent      int       `json:"sent"`
	Missed    int       `json:"missed"`
	Cancelled int       `json:"cancelled"`
	Deferred  int       `json:"deferred"`
	Failed    int       `json:"failed"`
}

// RunSweep dispatches every due attempt of active plans of open
// episodes. Episodes are independent; within one plan a later attempt is
// never sent while an earlier one is still pending. Gateway failures
// leave the attempt PENDING for the next sweep when transient, and mark
// it MISSED when the provider rejected the message outright.
func (s *SchedulerService) RunSweep(ctx context.Context) (*SweepResult, error) {
	now := s.clock()
	result := &SweepResult{RanAt: now}

	due, err := s.store.ListDueAttempts(ctx, now)
	if err != nil {
		return nil, err
	}
	result.Due = len(due)

	// resolved tracks statuses settled during this sweep so the
	// predecessor gate sees them without re-reading.
	resolved := make(map[string]models.AttemptStatus)

	for _, attempt := range due {
		s.processAttempt(ctx, attempt, now, resolved, result)
	}
	return result, nil
}

func (s *SchedulerService) processAttempt(ctx context.Context, attempt *models.OutreachAttempt, now time.Time, resolved map[string]models.AttemptStatus, result *SweepResult) {
	// Re-check the episode at the top of each per-attempt operation: a
	// close that lands mid-sweep must suppress the send.
	episode, err := s.store.GetEpisode(ctx, attempt.EpisodeID)
	if err != nil {
		log.Printf("sweep: episode lookup for attempt %s: %v", attempt.ID, err)
		result.Failed++
		return
	}
	if episode.Status != models.EpisodeOpen || episode.ActivePlanID != attempt.PlanID {
		if err := s.store.TransitionAttempt(ctx, attempt.ID, models.AttemptPending, models.AttemptCancelled, now); err == nil {
			resolved[attempt.ID] = models.AttemptCancelled
			result.Cancelled++
		}
		return
	}

	ok, err := s.predecessorsResolved(ctx, attempt, resolved)
	if err != nil {
		log.Printf("sweep: predecessor check for attempt %s: %v", attempt.ID, err)
		result.Failed++
		return
	}
	if !ok {
		result.Deferred++
		return
	}

	// Overdue beyond the grace window: mark MISSED so later attempts in
	// the plan proceed on their own schedule.
	if now.Sub(attempt.DueAt) > s.grace {
		if err := s.store.TransitionAttempt(ctx, attempt.ID, models.AttemptPending, models.AttemptMissed, now); err != nil {
			if !models.IsConflict(err) {
				result.Failed++
			}
			return
		}
		resolved[attempt.ID] = models.AttemptMissed
		result.Missed++
		if s.audit != nil {
			s.audit.Record(attempt.EpisodeID, "attempt_missed", "attempt %s overdue past grace window", attempt.ID)
		}
		return
	}

	// Claim before dispatch: a concurrent sweep loses the conditional
	// update and no-ops instead of double-sending.
	if err := s.store.TransitionAttempt(ctx, attempt.ID, models.AttemptPending, models.AttemptSent, now); err != nil {
		if !models.IsConflict(err) {
			result.Failed++
		}
		return
	}

	if err := s.dispatch(ctx, episode, attempt); err != nil {
		if models.IsTransient(err) {
			// Put the claim back; the next sweep retries.
			if revertErr := s.store.TransitionAttempt(ctx, attempt.ID, models.AttemptSent, models.AttemptPending, now); revertErr != nil {
				log.Printf("sweep: revert claim on attempt %s: %v", attempt.ID, revertErr)
			}
			result.Failed++
			return
		}
		// Permanent rejection: do not retry this attempt.
		if missErr := s.store.TransitionAttempt(ctx, attempt.ID, models.AttemptSent, models.AttemptMissed, now); missErr != nil {
			log.Printf("sweep: mark rejected attempt %s missed: %v", attempt.ID, missErr)
		}
		resolved[attempt.ID] = models.AttemptMissed
		result.Missed++
		if s.audit != nil {
			s.audit.Record(attempt.EpisodeID, "attempt_rejected", "attempt %s rejected by gateway: %v", attempt.ID, err)
		}
		return
	}

	resolved[attempt.ID] = models.AttemptSent
	result.Sent++
	if s.audit != nil {
		s.audit.Record(attempt.EpisodeID, "attempt_sent", "attempt %s sent via %s", attempt.ID, attempt.Channel)
	}
}

// predecessorsResolved reports whether every earlier attempt in the same
// plan has been sent, responded, missed or cancelled. Enforced per plan
// by status checks, not by a global lock.
func (s *SchedulerService) predecessorsResolved(ctx context.Context, attempt *models.OutreachAttempt, resolved map[string]models.AttemptStatus) (bool, error) {
	if attempt.Sequence == 0 {
		return true, nil
	}
	siblings, err := s.store.ListAttemptsByPlan(ctx, attempt.PlanID)
	if err != nil {
		return false, err
	}
	for _, sib := range siblings {
		if sib.Sequence >= attempt.Sequence {
			continue
		}
		status := sib.Status
		if st, ok := resolved[sib.ID]; ok {
			status = st
		}
		if status == models.AttemptPending {
			return false, nil
		}
	}
	return true, nil
}

func (s *SchedulerService) dispatch(ctx context.Context, episode *models.Episode, attempt *models.OutreachAttempt) error {
	patient, err := s.store.GetPatient(ctx, episode.PatientID)
	if err != nil {
		return err
	}
	question, err := s.store.GetQuestion(ctx, attempt.QuestionID)
	if err != nil {
		return err
	}
	recipient := patient.Phone
	if attempt.Channel == models.ChannelEmail {
		recipient = patient.Email
	}
	if recipient == "" {
		return models.NewValidationError("NO_RECIPIENT", "patient %s has no contact for channel %s", patient.ID, attempt.Channel)
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	return s.gateway.Send(sendCtx, Notification{
		Channel:   attempt.Channel,
		Recipient: recipient,
		Body:      question.Text,
	})
}
