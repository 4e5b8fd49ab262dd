package services

import (
	"context"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"
)

// RiskService is the single authoritative writer of an episode's risk
// level. Every other component only reads the level or submits signals
// here. Transitions are monotonic per event: CRITICAL forces HIGH,
// ELEVATED moves up exactly one level, and downgrades require a streak of
// consecutive NONE signals and move down one level at a time.
type RiskService struct {
	store           store.Store
	escalation      *EscalationService
	clock           store.Clock
	audit           *AuditService
	downgradeStreak int
}

// NewRiskService wires the state machine. downgradeStreak is how many
// consecutive NONE signals are required before risk moves down one level.
func NewRiskService(st store.Store, escalation *EscalationService, clock store.Clock, audit *AuditService, downgradeStreak int) *RiskService {
	if clock == nil {
		clock = time.Now
	}
	if downgradeStreak <= 0 {
		downgradeStreak = 3
	}
	return &RiskService{
		store:           st,
		escalation:      escalation,
		clock:           clock,
		audit:           audit,
		downgradeStreak: downgradeStreak,
	}
}

// RiskTransition reports the outcome of applying one signal.
type RiskTransition struct {
	EpisodeID      string                 `json:"episode_id"`
	From           models.RiskLevel       `json:"from"`
	To             models.RiskLevel       `json:"to"`
	Signal         models.RiskSignal      `json:"signal"`
	Source         string                 `json:"source"`
	Changed        bool                   `json:"changed"`
	WellnessStreak int                    `json:"wellness_streak"`
	Task           *models.EscalationTask `json:"task,omitempty"`
}

// Apply feeds one signal into the machine. interactionID links the
// triggering conversation, empty when the signal has none. The risk write
// is a conditional update keyed by the episode's risk version; a
// concurrent writer losing the race retries once against the fresh state.
func (s *RiskService) Apply(ctx context.Context, episodeID string, signal models.RiskSignal, source, interactionID string) (*RiskTransition, error) {
	tr, err := s.applyOnce(ctx, episodeID, signal, source, interactionID)
	if models.IsConflict(err) {
		tr, err = s.applyOnce(ctx, episodeID, signal, source, interactionID)
	}
	return tr, err
}

func (s *RiskService) applyOnce(ctx context.Context, episodeID string, signal models.RiskSignal, source, interactionID string) (*RiskTransition, error) {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if episode.Status != models.EpisodeOpen {
		return nil, models.NewValidationError("EPISODE_CLOSED", "episode %s is closed", episodeID)
	}

	from := episode.RiskLevel
	to := from
	streak := episode.WellnessStreak

	switch signal {
	case models.SignalCritical:
		to = models.RiskHigh
		streak = 0
	case models.SignalElevated:
		to = from.Above()
		streak = 0
	case models.SignalNone:
		// Any non-NONE signal resets the streak (assumption: one ELEVATED
		// reading is enough to restart the count).
		streak++
		if streak >= s.downgradeStreak && from != models.RiskLow {
			to = from.Below()
			streak = 0
		}
	default:
		return nil, models.NewValidationError("UNKNOWN_SIGNAL", "unknown risk signal %q", signal)
	}

	return s.commit(ctx, episode, from, to, streak, signal, source, interactionID)
}

// Override applies a manual staff decision, setting the level directly.
// Upgrades still open or escalate exactly one task; downgrades are
// recorded but never auto-resolve an open task.
func (s *RiskService) Override(ctx context.Context, episodeID string, level models.RiskLevel, userID string) (*RiskTransition, error) {
	if !models.ValidRiskLevel(level) {
		return nil, models.NewValidationError("UNKNOWN_RISK_LEVEL", "unknown risk level %q", level)
	}
	tr, err := s.overrideOnce(ctx, episodeID, level, userID)
	if models.IsConflict(err) {
		tr, err = s.overrideOnce(ctx, episodeID, level, userID)
	}
	return tr, err
}

func (s *RiskService) overrideOnce(ctx context.Context, episodeID string, level models.RiskLevel, userID string) (*RiskTransition, error) {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if episode.Status != models.EpisodeOpen {
		return nil, models.NewValidationError("EPISODE_CLOSED", "episode %s is closed", episodeID)
	}
	return s.commit(ctx, episode, episode.RiskLevel, level, 0, "", "manual:"+userID, "")
}

func (s *RiskService) commit(ctx context.Context, episode *models.Episode, from, to models.RiskLevel, streak int, signal models.RiskSignal, source, interactionID string) (*RiskTransition, error) {
	tr := &RiskTransition{
		EpisodeID:      episode.ID,
		From:           from,
		To:             to,
		Signal:         signal,
		Source:         source,
		Changed:        from != to,
		WellnessStreak: streak,
	}
	if to.Rank() > from.Rank() {
		// Exactly one task creation or severity bump per upgrade. The task
		// is upserted before the conditional risk write: if that write
		// fails, no upgrade was committed, and if this caller loses the
		// version race the retry finds the task and no-ops. An upgrade
		// must never land without its task.
		task, err := s.escalation.OpenOrEscalate(ctx, episode, to, interactionID)
		if err != nil {
			return nil, err
		}
		tr.Task = task
	}
	if err := s.store.UpdateEpisodeRisk(ctx, episode.ID, episode.RiskVersion, to, streak); err != nil {
		return nil, err
	}
	if s.audit != nil && tr.Changed {
		s.audit.Record(episode.ID, "risk_transition", "risk %s -> %s via %s (%s)", from, to, signal, source)
	}
	return tr, nil
}
