package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"care-transitions-api/pkg/models"
	"care-transitions-api/pkg/store"

	"github.com/google/uuid"
)

// SLAPolicy maps task severity to the maximum time a task may remain
// unresolved. HIGH carries the shortest window.
type SLAPolicy struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

// Window returns the allowed resolution window for a severity.
func (p SLAPolicy) Window(severity models.RiskLevel) time.Duration {
	switch severity {
	case models.RiskHigh:
		return p.High
	case models.RiskMedium:
		return p.Medium
	default:
		return p.Low
	}
}

// EscalationService owns the escalation task lifecycle: opening,
// assignment, SLA breach detection, re-escalation and resolution.
type EscalationService struct {
	store         store.Store
	gateway       NotificationGateway
	clock         store.Clock
	audit         *AuditService
	sla           SLAPolicy
	notifyTimeout time.Duration
}

// NewEscalationService wires the monitor with its collaborators.
func NewEscalationService(st store.Store, gateway NotificationGateway, clock store.Clock, audit *AuditService, sla SLAPolicy, notifyTimeout time.Duration) *EscalationService {
	if clock == nil {
		clock = time.Now
	}
	return &EscalationService{
		store:         st,
		gateway:       gateway,
		clock:         clock,
		audit:         audit,
		sla:           sla,
		notifyTimeout: notifyTimeout,
	}
}

// OpenOrEscalate guarantees exactly one open task reflects the episode's
// new severity: an existing open task has its severity bumped, otherwise
// a new task is created and assigned. interactionID links the
// conversation that triggered the upgrade, so purging that interaction
// takes the task with it. Called by the risk state machine in the same
// logical operation as the upgrade.
func (s *EscalationService) OpenOrEscalate(ctx context.Context, episode *models.Episode, severity models.RiskLevel, interactionID string) (*models.EscalationTask, error) {
	now := s.clock()
	task, err := s.store.FindOpenTaskByEpisode(ctx, episode.ID)
	if err != nil && !models.IsNotFound(err) {
		return nil, err
	}

	if task == nil || models.IsNotFound(err) {
		task = &models.EscalationTask{
			ID:            uuid.New().String(),
			EpisodeID:     episode.ID,
			InteractionID: interactionID,
			Severity:      severity,
			Status:        models.TaskOpen,
			SLADeadline:   now.Add(s.sla.Window(severity)),
			CreatedAt:     now,
		}
		if assignee := s.pickAssignee(ctx, episode.ConditionCode, ""); assignee != "" {
			task.AssigneeID = assignee
			task.Status = models.TaskAssigned
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		if s.audit != nil {
			s.audit.Record(episode.ID, "task_opened", "task %s severity %s assigned to %q", task.ID, severity, task.AssigneeID)
		}
		return task, nil
	}

	changed := false
	if task.InteractionID == "" && interactionID != "" {
		task.InteractionID = interactionID
		changed = true
	}
	bumped := severity.Rank() > task.Severity.Rank()
	if bumped {
		changed = true
		task.Severity = severity
		// Tighten the deadline to the new severity's window; never loosen.
		if d := now.Add(s.sla.Window(severity)); d.Before(task.SLADeadline) {
			task.SLADeadline = d
		}
	}
	if changed {
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}
	if bumped && s.audit != nil {
		s.audit.Record(episode.ID, "task_severity_bumped", "task %s raised to %s", task.ID, severity)
	}
	return task, nil
}

// pickAssignee returns the least-loaded available staff member, preferring
// specialty matches for the condition. HIGH-severity load is compared
// before total load so no member holds more concurrently-open
// high-severity tasks than a peer while an alternative exists. exclude
// drops the current assignee when reassigning.
func (s *EscalationService) pickAssignee(ctx context.Context, conditionCode, exclude string) string {
	staff, err := s.store.ListStaff(ctx)
	if err != nil {
		log.Printf("escalation: staff lookup: %v", err)
		return ""
	}
	open, err := s.store.ListOpenTasks(ctx)
	if err != nil {
		log.Printf("escalation: open task lookup: %v", err)
		return ""
	}
	highLoad := make(map[string]int)
	totalLoad := make(map[string]int)
	for _, t := range open {
		if t.AssigneeID == "" {
			continue
		}
		totalLoad[t.AssigneeID]++
		if t.Severity == models.RiskHigh {
			highLoad[t.AssigneeID]++
		}
	}

	candidates := filterStaff(staff, conditionCode, exclude)
	if len(candidates) == 0 {
		candidates = filterStaff(staff, "", exclude)
	}
	best := ""
	for _, m := range candidates {
		if best == "" {
			best = m.ID
			continue
		}
		switch {
		case highLoad[m.ID] < highLoad[best]:
			best = m.ID
		case highLoad[m.ID] == highLoad[best] && totalLoad[m.ID] < totalLoad[best]:
			best = m.ID
		case highLoad[m.ID] == highLoad[best] && totalLoad[m.ID] == totalLoad[best] && m.ID < best:
			best = m.ID
		}
	}
	return best
}

func filterStaff(staff []*models.StaffMember, conditionCode, exclude string) []*models.StaffMember {
	var out []*models.StaffMember
	for _, m := range staff {
		if !m.Available || m.ID == exclude {
			continue
		}
		if conditionCode != "" && !hasSpecialty(m, conditionCode) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasSpecialty(m *models.StaffMember, conditionCode string) bool {
	for _, s := range m.Specialties {
		if s == conditionCode {
			return true
		}
	}
	return false
}

// MonitorResult summarises one SLA monitor pass.
type MonitorResult struct {
	CheckedAt time.Time `json:"checked_at"`
	Open      int       `json:"open"`
	Breached  int       `json:"breached"`
	Escalated int       `json:"escalated"`
}

// RunMonitorPass re-escalates every open or assigned task past its SLA
// deadline: severity rises one notch where possible, the task is
// reassigned if an alternative staff member exists, a supervisor is
// notified, and the deadline is recomputed from the breach so the next
// pass measures the new window. A breached task is never silently left
// with its old deadline.
func (s *EscalationService) RunMonitorPass(ctx context.Context) (*MonitorResult, error) {
	now := s.clock()
	result := &MonitorResult{CheckedAt: now}

	tasks, err := s.store.ListOpenTasks(ctx)
	if err != nil {
		return nil, err
	}
	result.Open = len(tasks)

	for _, task := range tasks {
		if !now.After(task.SLADeadline) {
			continue
		}
		result.Breached++
		episode, err := s.store.GetEpisode(ctx, task.EpisodeID)
		if err != nil {
			log.Printf("monitor: episode lookup for task %s: %v", task.ID, err)
			continue
		}

		task.Severity = task.Severity.Above()
		task.EscalationCount++
		task.SLADeadline = now.Add(s.sla.Window(task.Severity))
		if alt := s.pickAssignee(ctx, episode.ConditionCode, task.AssigneeID); alt != "" {
			task.AssigneeID = alt
			task.Status = models.TaskAssigned
		}
		if err := s.store.UpdateTask(ctx, task); err != nil {
			log.Printf("monitor: update task %s: %v", task.ID, err)
			continue
		}
		result.Escalated++
		if s.audit != nil {
			s.audit.Record(task.EpisodeID, "sla_breach", "task %s breached, severity now %s, assignee %q", task.ID, task.Severity, task.AssigneeID)
		}
		s.notifySupervisor(ctx, task)
	}
	return result, nil
}

func (s *EscalationService) notifySupervisor(ctx context.Context, task *models.EscalationTask) {
	staff, err := s.store.ListStaff(ctx)
	if err != nil {
		log.Printf("monitor: supervisor lookup: %v", err)
		return
	}
	for _, m := range staff {
		if !m.Supervisor || !m.Available || m.Contact == "" {
			continue
		}
		notifyCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
		err := s.gateway.Send(notifyCtx, Notification{
			Channel:   models.ChannelSMS,
			Recipient: m.Contact,
			Body:      fmt.Sprintf("Escalation task %s for episode %s breached its SLA (severity %s).", task.ID, task.EpisodeID, task.Severity),
		})
		cancel()
		if err != nil {
			// Breach is already recorded; the notification is best effort.
			log.Printf("monitor: supervisor notification for task %s: %v", task.ID, err)
		}
		return
	}
}

// Resolve closes a task with an outcome code and notes. Resolving an
// episode's only open task does not by itself change the episode's risk
// level.
func (s *EscalationService) Resolve(ctx context.Context, taskID, outcome, notes, userID string) (*models.EscalationTask, error) {
	if outcome == "" {
		return nil, models.NewValidationError("OUTCOME_REQUIRED", "resolution requires an outcome code")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskResolved {
		return nil, models.NewConflictError("TASK_ALREADY_RESOLVED", "task %s is already resolved", taskID)
	}
	now := s.clock()
	task.Status = models.TaskResolved
	task.ResolvedAt = &now
	task.Outcome = outcome
	task.Notes = notes
	task.ResolvedBy = userID
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(task.EpisodeID, "task_resolved", "task %s resolved by %s with outcome %s", task.ID, userID, outcome)
	}
	return task, nil
}
