package models

import "time"

// RiskLevel is an episode's current risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank orders risk levels for one-step transitions.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return -1
}

// Above returns the next level up, capped at HIGH.
func (r RiskLevel) Above() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Below returns the next level down, capped at LOW.
func (r RiskLevel) Below() RiskLevel {
	switch r {
	case RiskHigh:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ValidRiskLevel reports whether l is one of the known levels.
func ValidRiskLevel(l RiskLevel) bool {
	return l.Rank() >= 0
}

// RiskSignal is the outcome of interpreting one input (patient response,
// adherence reading, manual action) before the state machine applies it.
type RiskSignal string

const (
	SignalNone     RiskSignal = "NONE"
	SignalElevated RiskSignal = "ELEVATED"
	SignalCritical RiskSignal = "CRITICAL"
)

// AttemptStatus is the lifecycle of one scheduled outreach touch.
// Transitions move forward only; CANCELLED is terminal from any
// non-terminal state.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptSent      AttemptStatus = "SENT"
	AttemptResponded AttemptStatus = "RESPONDED"
	AttemptMissed    AttemptStatus = "MISSED"
	AttemptCancelled AttemptStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptResponded || s == AttemptMissed || s == AttemptCancelled
}

// TaskStatus is the lifecycle of an escalation task.
type TaskStatus string

const (
	TaskOpen     TaskStatus = "OPEN"
	TaskAssigned TaskStatus = "ASSIGNED"
	TaskResolved TaskStatus = "RESOLVED"
)

// EpisodeStatus is the episode lifecycle: episodes are never deleted,
// only closed.
type EpisodeStatus string

const (
	EpisodeOpen   EpisodeStatus = "OPEN"
	EpisodeClosed EpisodeStatus = "CLOSED"
)

// Channel identifies how an outreach touch reaches the patient.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelVoice Channel = "VOICE"
	ChannelEmail Channel = "EMAIL"
)

// ExportDestination is where a resolved encounter note is sent.
type ExportDestination string

const (
	ExportEHRInbox  ExportDestination = "EHR_INBOX"
	ExportSecureFax ExportDestination = "SECURE_FAX"
	ExportDirectMsg ExportDestination = "DIRECT_MSG"
)

// ValidExportDestination reports whether d is one of the known destinations.
func ValidExportDestination(d ExportDestination) bool {
	switch d {
	case ExportEHRInbox, ExportSecureFax, ExportDirectMsg:
		return true
	}
	return false
}

// Patient is the person being followed up after discharge.
type Patient struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"` // MRN from the record system
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Episode is one care-transition period for a patient and the aggregate
// root for plans, attempts and escalation tasks. RiskVersion guards
// conditional risk updates so two concurrent writers for the same episode
// cannot both win.
type Episode struct {
	ID              string        `json:"id"`
	PatientID       string        `json:"patient_id"`
	ConditionCode   string        `json:"condition_code"`
	DischargedAt    time.Time     `json:"discharged_at"`
	RiskLevel       RiskLevel     `json:"risk_level"`
	RiskVersion     int64         `json:"risk_version"`
	WellnessStreak  int           `json:"wellness_streak"` // consecutive NONE signals
	Status          EpisodeStatus `json:"status"`
	ActivePlanID    string        `json:"active_plan_id,omitempty"`
	SourceMessageID string        `json:"source_message_id,omitempty"` // ADT idempotency key
	CreatedAt       time.Time     `json:"created_at"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty"`
}

// OutreachPlan is an ordered sequence of planned touches. Re-planning
// supersedes the prior plan rather than mutating it; at most one plan is
// active per episode at any time.
type OutreachPlan struct {
	ID           string     `json:"id"`
	EpisodeID    string     `json:"episode_id"`
	TemplateID   string     `json:"template_id"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// OutreachAttempt is one scheduled touch within a plan.
type OutreachAttempt struct {
	ID          string        `json:"id"`
	PlanID      string        `json:"plan_id"`
	EpisodeID   string        `json:"episode_id"`
	Sequence    int           `json:"sequence"` // position within the plan, 0-based
	DueAt       time.Time     `json:"due_at"`
	Channel     Channel       `json:"channel"`
	QuestionID  string        `json:"question_id"`
	Status      AttemptStatus `json:"status"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// PatientResponse is one inbound reply tied to an attempt, plus what the
// interpreter derived from it. Immutable once recorded; unmatched free
// text is still stored verbatim for staff review.
type PatientResponse struct {
	ID            string     `json:"id"`
	AttemptID     string     `json:"attempt_id"`
	EpisodeID     string     `json:"episode_id"`
	RawText       string     `json:"raw_text"`
	MatchedRuleID string     `json:"matched_rule_id,omitempty"`
	Signal        RiskSignal `json:"signal"`
	NumericValue  *float64   `json:"numeric_value,omitempty"`
	NeedsFollowUp bool       `json:"needs_follow_up"`
	ReceivedAt    time.Time  `json:"received_at"`
}

// PlanTemplate describes the touches for a (condition, risk) pairing.
// ConditionCode "" is the system default; RiskLevel "" is the
// condition-only default.
type PlanTemplate struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ConditionCode string          `json:"condition_code,omitempty"`
	RiskLevel     RiskLevel       `json:"risk_level,omitempty"`
	Touches       []TemplateTouch `json:"touches"`
}

// TemplateTouch is one planned touch offset from discharge time.
type TemplateTouch struct {
	OffsetHours int     `json:"offset_hours"`
	Channel     Channel `json:"channel"`
	QuestionID  string  `json:"question_id"`
}

// OutreachQuestion is the script/question behind an attempt.
type OutreachQuestion struct {
	ID       string `json:"id"`
	Category string `json:"category"` // links responses to content rules
	Text     string `json:"text"`
}

// ContentRule maps a patient-reply pattern to a risk signal. Rules are
// evaluated in order, first match wins. A rule may declare a numeric
// follow-up: the reply must carry a number (e.g. a pain score) which is
// compared against Threshold before a signal is derived.
type ContentRule struct {
	ID                 string     `json:"id"`
	Category           string     `json:"category,omitempty"` // "" matches any category
	Pattern            string     `json:"pattern,omitempty"`  // regexp, optional
	Keywords           []string   `json:"keywords,omitempty"`
	Signal             RiskSignal `json:"signal"`
	Critical           bool       `json:"critical"` // forces CRITICAL regardless of Signal
	NumericFollowUp    bool       `json:"numeric_follow_up"`
	FollowUpQuestionID string     `json:"follow_up_question_id,omitempty"`
	Threshold          *float64   `json:"threshold,omitempty"`
	ThresholdSignal    RiskSignal `json:"threshold_signal,omitempty"`
}

// ContentPack is a versioned rule set, read-only to the orchestrator.
type ContentPack struct {
	ID      string        `json:"id"`
	Version int           `json:"version"`
	Active  bool          `json:"active"`
	Rules   []ContentRule `json:"rules"`
}

// EscalationTask is a unit of human work opened when risk rises or a
// manual trigger fires. Owned by the escalation monitor until resolved.
type EscalationTask struct {
	ID              string     `json:"id"`
	EpisodeID       string     `json:"episode_id"`
	InteractionID   string     `json:"interaction_id,omitempty"`
	Severity        RiskLevel  `json:"severity"`
	Status          TaskStatus `json:"status"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	SLADeadline     time.Time  `json:"sla_deadline"`
	EscalationCount int        `json:"escalation_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
}

// StaffMember can be assigned escalation tasks.
type StaffMember struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties,omitempty"` // condition codes
	Available   bool     `json:"available"`
	Supervisor  bool     `json:"supervisor"`
	Contact     string   `json:"contact,omitempty"`
}

// AgentInteraction is the conversational thread backing a check-in.
// Purging an interaction cascades to its messages and any linked task.
type AgentInteraction struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id"`
	AttemptID string    `json:"attempt_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Message is one entry in an interaction thread.
type Message struct {
	ID            string    `json:"id"`
	InteractionID string    `json:"interaction_id"`
	Role          string    `json:"role"` // "patient" or "system"
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// Medication is a prescription tracked for adherence.
type Medication struct {
	ID           string    `json:"id"`
	EpisodeID    string    `json:"episode_id"`
	Name         string    `json:"name"`
	DosesPerDay  int       `json:"doses_per_day"`
	PrescribedAt time.Time `json:"prescribed_at"`
}

// DoseEvent is one reported or pharmacy-confirmed dose.
type DoseEvent struct {
	ID           string    `json:"id"`
	MedicationID string    `json:"medication_id"`
	EpisodeID    string    `json:"episode_id"`
	TakenAt      time.Time `json:"taken_at"`
	Source       string    `json:"source"` // "reported" or "pharmacy"
}

// AdherenceStatus summarises an episode's adherence reading. Pharmacy
// failures degrade to UNKNOWN, never to a false ADHERENT.
type AdherenceStatus string

const (
	AdherenceAdherent    AdherenceStatus = "ADHERENT"
	AdherenceNonAdherent AdherenceStatus = "NON_ADHERENT"
	AdherenceUnknown     AdherenceStatus = "UNKNOWN"
)

// AdherenceSummary is the computed rolling-window view.
type AdherenceSummary struct {
	EpisodeID     string          `json:"episode_id"`
	WindowDays    int             `json:"window_days"`
	DosesExpected int             `json:"doses_expected"`
	DosesTaken    int             `json:"doses_taken"`
	Ratio         float64         `json:"ratio"`
	Status        AdherenceStatus `json:"status"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// ADTEvent is the structured form of an inbound admission/discharge/
// transfer message, whether it arrived as JSON or as segment text.
type ADTEvent struct {
	MessageID     string    `json:"message_id"`
	EventType     string    `json:"event_type"` // A01 admit, A03 discharge, A02 transfer
	PatientID     string    `json:"patient_id"` // external MRN
	PatientName   string    `json:"patient_name,omitempty"`
	PatientPhone  string    `json:"patient_phone,omitempty"`
	ConditionCode string    `json:"condition_code"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AuditEvent records one orchestration action for staff review.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EpisodeID string    `json:"episode_id,omitempty"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
}
