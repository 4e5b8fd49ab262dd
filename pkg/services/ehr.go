package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"

	"github.com/google/uuid"
)

// segmentTimeLayout is the compact timestamp used in segment messages.
const segmentTimeLayout = "20060102150405"

// EHRService is the boundary with the record system: it parses inbound
// admission/discharge/transfer events into episodes and exports resolved
// encounters back out. Re-delivery of the same message id is a no-op.
type EHRService struct {
	store         store.Store
	plans         *PlanBuilderService
	exporter      EHRExporter
	clock         store.Clock
	audit         *AuditService
	exportTimeout time.Duration
}

// NewEHRService wires the adapter with its collaborators.
func NewEHRService(st store.Store, plans *PlanBuilderService, exporter EHRExporter, clock store.Clock, audit *AuditService, exportTimeout time.Duration) *EHRService {
	if clock == nil {
		clock = time.Now
	}
	return &EHRService{
		store:         st,
		plans:         plans,
		exporter:      exporter,
		clock:         clock,
		audit:         audit,
		exportTimeout: exportTimeout,
	}
}

// ADTResult reports what one inbound event did.
type ADTResult struct {
	Event     *models.ADTEvent `json:"event"`
	EpisodeID string           `json:"episode_id,omitempty"`
	PlanID    string           `json:"plan_id,omitempty"`
	Duplicate bool             `json:"duplicate"`
}

// IngestADT accepts either a JSON payload or a pipe-and-caret segment
// message, normalizes both to the same structured event, and processes
// it. Unparsable input fails with a validation error; it is never
// silently dropped.
func (s *EHRService) IngestADT(ctx context.Context, contentType string, body []byte) (*ADTResult, error) {
	var event *models.ADTEvent
	var err error
	if strings.Contains(contentType, "json") {
		event, err = parseJSONADT(body)
	} else {
		event, err = ParseSegmentMessage(string(body))
	}
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, event)
}

// Process upserts the patient and, for a discharge, opens an episode and
// builds its outreach plan. Idempotency: the episode row carries the
// external message id, so re-delivery finds the existing episode and
// no-ops.
func (s *EHRService) Process(ctx context.Context, event *models.ADTEvent) (*ADTResult, error) {
	existing, err := s.store.FindEpisodeBySourceMessage(ctx, event.MessageID)
	if err == nil {
		return &ADTResult{Event: event, EpisodeID: existing.ID, Duplicate: true}, nil
	}
	if !models.IsNotFound(err) {
		return nil, err
	}

	patient, err := s.store.UpsertPatient(ctx, &models.Patient{
		ID:         uuid.New().String(),
		ExternalID: event.PatientID,
		Name:       event.PatientName,
		Phone:      event.PatientPhone,
		CreatedAt:  s.clock(),
	})
	if err != nil {
		return nil, err
	}

	result := &ADTResult{Event: event}
	if event.EventType != "A03" {
		// Admissions and transfers update the patient record only; an
		// episode opens on the discharge event.
		if s.audit != nil {
			s.audit.Record("", "adt_received", "%s for patient %s (no episode)", event.EventType, event.PatientID)
		}
		return result, nil
	}

	episode := &models.Episode{
		ID:              uuid.New().String(),
		PatientID:       patient.ID,
		ConditionCode:   event.ConditionCode,
		DischargedAt:    event.OccurredAt,
		RiskLevel:       models.RiskLow,
		Status:          models.EpisodeOpen,
		SourceMessageID: event.MessageID,
		CreatedAt:       s.clock(),
	}
	if err := s.store.CreateEpisode(ctx, episode); err != nil {
		if models.IsConflict(err) {
			// A concurrent delivery of the same message won the create;
			// treat this one as the redelivery it is.
			if winner, ferr := s.store.FindEpisodeBySourceMessage(ctx, event.MessageID); ferr == nil {
				return &ADTResult{Event: event, EpisodeID: winner.ID, Duplicate: true}, nil
			}
		}
		return nil, err
	}
	result.EpisodeID = episode.ID
	if s.audit != nil {
		s.audit.Record(episode.ID, "episode_opened", "discharge %s for patient %s, condition %s", event.MessageID, event.PatientID, event.ConditionCode)
	}

	plan, err := s.plans.BuildPlan(ctx, episode.ID)
	if err != nil {
		// The episode exists either way; a template gap is a
		// configuration defect surfaced to staff, not a reason to drop
		// the discharge.
		if s.audit != nil {
			s.audit.Record(episode.ID, "plan_failed", "%v", err)
		}
		return result, err
	}
	result.PlanID = plan.ID
	return result, nil
}

// CloseEpisode ends the care transition: the episode is marked closed and
// every pending attempt is cancelled so later sweeps skip it.
func (s *EHRService) CloseEpisode(ctx context.Context, episodeID string) error {
	if err := s.store.CloseEpisode(ctx, episodeID, s.clock()); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Record(episodeID, "episode_closed", "episode closed")
	}
	return nil
}

// ExportNote pushes an encounter summary to the record system. The
// destination must be one of the known values; the external call carries
// a bounded timeout and a timeout surfaces as transient, distinct from an
// explicit rejection.
func (s *EHRService) ExportNote(ctx context.Context, episodeID string, destination models.ExportDestination) error {
	if !models.ValidExportDestination(destination) {
		return models.NewValidationError("BAD_DESTINATION", "unknown export destination %q", destination)
	}
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	patient, err := s.store.GetPatient(ctx, episode.PatientID)
	if err != nil {
		return err
	}
	responses, err := s.store.ListResponses(ctx, episodeID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Transition-of-care summary for %s (MRN %s)\n", patient.Name, patient.ExternalID)
	fmt.Fprintf(&b, "Condition %s, discharged %s, current risk %s\n",
		episode.ConditionCode, episode.DischargedAt.Format(time.RFC3339), episode.RiskLevel)
	fmt.Fprintf(&b, "%d patient responses on record\n", len(responses))

	exportCtx, cancel := context.WithTimeout(ctx, s.exportTimeout)
	defer cancel()
	err = s.exporter.Export(exportCtx, ExportNote{
		EpisodeID:   episode.ID,
		PatientMRN:  patient.ExternalID,
		Destination: destination,
		Body:        b.String(),
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Record(episodeID, "note_exported", "summary sent to %s", destination)
	}
	return nil
}

func parseJSONADT(body []byte) (*models.ADTEvent, error) {
	var event models.ADTEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, models.NewValidationError("MALFORMED_MESSAGE", "unreadable ADT payload: %v", err)
	}
	if err := validateEvent(&event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseSegmentMessage converts a pipe-and-caret message into the
// structured event shape. Expected segments: MSH (type and control id),
// EVN (event timestamp), PID (patient identifiers), DG1 (condition).
func ParseSegmentMessage(text string) (*models.ADTEvent, error) {
	event := &models.ADTEvent{}
	seen := false
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		switch fields[0] {
		case "MSH":
			seen = true
			if len(fields) > 8 {
				parts := strings.Split(fields[8], "^")
				if len(parts) > 1 {
					event.EventType = parts[1]
				}
			}
			if len(fields) > 9 {
				event.MessageID = fields[9]
			}
		case "EVN":
			if len(fields) > 2 && fields[2] != "" {
				at, err := time.Parse(segmentTimeLayout, fields[2])
				if err != nil {
					return nil, models.NewValidationError("MALFORMED_MESSAGE", "bad EVN timestamp %q", fields[2])
				}
				event.OccurredAt = at
			}
			if event.EventType == "" && len(fields) > 1 {
				event.EventType = fields[1]
			}
		case "PID":
			if len(fields) > 3 {
				event.PatientID = fields[3]
			}
			if len(fields) > 5 {
				name := strings.Split(fields[5], "^")
				// family^given order in the wire format
				for i, j := 0, len(name)-1; i < j; i, j = i+1, j-1 {
					name[i], name[j] = name[j], name[i]
				}
				event.PatientName = strings.TrimSpace(strings.Join(name, " "))
			}
			if len(fields) > 13 {
				event.PatientPhone = fields[13]
			}
		case "DG1":
			if len(fields) > 3 {
				event.ConditionCode = fields[3]
			}
		}
	}
	if !seen {
		return nil, models.NewValidationError("MALFORMED_MESSAGE", "message has no MSH segment")
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

func validateEvent(event *models.ADTEvent) error {
	if event.MessageID == "" {
		return models.NewValidationError("MALFORMED_MESSAGE", "missing message id")
	}
	if event.PatientID == "" {
		return models.NewValidationError("MALFORMED_MESSAGE", "missing patient identifier")
	}
	if event.EventType == "" {
		return models.NewValidationError("MALFORMED_MESSAGE", "missing event type")
	}
	if event.EventType == "A03" && event.ConditionCode == "" {
		return models.NewValidationError("MALFORMED_MESSAGE", "discharge event missing condition code")
	}
	if event.OccurredAt.IsZero() {
		return models.NewValidationError("MALFORMED_MESSAGE", "missing event timestamp")
	}
	return nil
}
