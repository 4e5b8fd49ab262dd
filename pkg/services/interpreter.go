package services

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"

	"github.com/google/uuid"
)

// numberPattern pulls the first numeric value out of free text, covering
// forms like "8", "8/10" and "pain is 7.5".
var numberPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// InterpreterService matches inbound patient replies against the active
// protocol content pack and derives a risk signal. Unmatched free text is
// preserved verbatim with a NONE signal; silently dropping unrecognized
// input would be a correctness defect.
type InterpreterService struct {
	store store.Store
	clock store.Clock
	audit *AuditService
}

// NewInterpreterService wires the interpreter with its collaborators.
func NewInterpreterService(st store.Store, clock store.Clock, audit *AuditService) *InterpreterService {
	if clock == nil {
		clock = time.Now
	}
	return &InterpreterService{store: st, clock: clock, audit: audit}
}

// ResponsePayload is the normalized inbound content: free text plus an
// optional structured numeric value.
type ResponsePayload struct {
	Text         string   `json:"text"`
	NumericValue *float64 `json:"numeric_value,omitempty"`
}

// InterpretResult is what the caller feeds into the risk state machine.
// InteractionID is the conversational thread the reply landed in; callers
// pass it along so a task opened by this signal stays linked to its
// conversation.
type InterpretResult struct {
	Response           *models.PatientResponse `json:"response"`
	Signal             models.RiskSignal       `json:"signal"`
	NeedsFollowUp      bool                    `json:"needs_follow_up"`
	FollowUpQuestionID string                  `json:"follow_up_question_id,omitempty"`
	InteractionID      string                  `json:"interaction_id"`
}

// Interpret evaluates one reply for an attempt. The attempt must have
// been sent; a second reply to the same attempt (the numeric follow-up)
// is accepted while the attempt is already RESPONDED.
func (s *InterpreterService) Interpret(ctx context.Context, attemptID string, payload ResponsePayload) (*InterpretResult, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	switch attempt.Status {
	case models.AttemptSent:
		now := s.clock()
		if err := s.store.TransitionAttempt(ctx, attemptID, models.AttemptSent, models.AttemptResponded, now); err != nil && !models.IsConflict(err) {
			return nil, err
		}
	case models.AttemptResponded:
		// follow-up answer to an already-responded attempt
	default:
		return nil, models.NewValidationError("ATTEMPT_NOT_AWAITING_REPLY", "attempt %s is %s and cannot take a reply", attemptID, attempt.Status)
	}

	question, err := s.store.GetQuestion(ctx, attempt.QuestionID)
	if err != nil {
		return nil, err
	}
	pack, err := s.store.ActiveContentPack(ctx)
	if err != nil {
		return nil, err
	}

	normalized := normalize(payload.Text)
	rule := matchRule(pack.Rules, question.Category, normalized)

	response := &models.PatientResponse{
		ID:         uuid.New().String(),
		AttemptID:  attempt.ID,
		EpisodeID:  attempt.EpisodeID,
		RawText:    payload.Text,
		Signal:     models.SignalNone,
		ReceivedAt: s.clock(),
	}
	result := &InterpretResult{Response: response, Signal: models.SignalNone}

	if rule != nil {
		response.MatchedRuleID = rule.ID
		value := payload.NumericValue
		if value == nil {
			value = extractNumber(normalized)
		}
		response.NumericValue = value

		switch {
		case rule.NumericFollowUp && value == nil:
			// The rule wants a number and the reply has none: ask the
			// follow-up question instead of completing.
			response.NeedsFollowUp = true
			result.NeedsFollowUp = true
			result.FollowUpQuestionID = rule.FollowUpQuestionID
		case rule.Threshold != nil && value != nil:
			if *value >= *rule.Threshold {
				result.Signal = rule.ThresholdSignal
				if result.Signal == "" {
					result.Signal = models.SignalElevated
				}
			}
		default:
			result.Signal = rule.Signal
		}
		if rule.Critical && !result.NeedsFollowUp && result.Signal != models.SignalNone {
			result.Signal = models.SignalCritical
		}
	}
	response.Signal = result.Signal

	interactionID, err := s.recordThread(ctx, attempt, payload.Text)
	if err != nil {
		return nil, err
	}
	result.InteractionID = interactionID
	if err := s.store.CreateResponse(ctx, response); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(attempt.EpisodeID, "response_interpreted", "attempt %s matched rule %q signal %s", attempt.ID, response.MatchedRuleID, result.Signal)
	}
	return result, nil
}

// recordThread appends the raw reply to the attempt's conversational
// thread, creating the interaction on first contact, and returns the
// interaction id.
func (s *InterpreterService) recordThread(ctx context.Context, attempt *models.OutreachAttempt, raw string) (string, error) {
	interaction, err := s.store.FindInteractionByAttempt(ctx, attempt.ID)
	if models.IsNotFound(err) {
		interaction = &models.AgentInteraction{
			ID:        uuid.New().String(),
			EpisodeID: attempt.EpisodeID,
			AttemptID: attempt.ID,
			StartedAt: s.clock(),
		}
		if err := s.store.CreateInteraction(ctx, interaction); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	err = s.store.AddMessage(ctx, &models.Message{
		ID:            uuid.New().String(),
		InteractionID: interaction.ID,
		Role:          "patient",
		Content:       raw,
		CreatedAt:     s.clock(),
	})
	if err != nil {
		return "", err
	}
	return interaction.ID, nil
}

// normalize lowercases and collapses whitespace.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// matchRule walks the ordered rules, first match wins. A rule applies to
// a category when its own category is empty or equal.
func matchRule(rules []models.ContentRule, category, normalized string) *models.ContentRule {
	for i := range rules {
		rule := &rules[i]
		if rule.Category != "" && rule.Category != category {
			continue
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				// A broken pattern is authored data; skip it rather than
				// fail the whole reply.
				continue
			}
			if re.MatchString(normalized) {
				return rule
			}
		}
		for _, kw := range rule.Keywords {
			if strings.Contains(normalized, strings.ToLower(kw)) {
				return rule
			}
		}
	}
	return nil
}

func extractNumber(normalized string) *float64 {
	m := numberPattern.FindString(normalized)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return nil
	}
	return &v
}
