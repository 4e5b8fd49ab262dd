package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/lib/pq"
)

// PostgresStore implements Store on database/sql. The caller owns the
// connection lifecycle: main opens, pings and migrates before handing the
// DB over.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore wraps an existing sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{DB: db} }

// Migrate creates the orchestrator tables if they do not exist. Safe to
// run on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS patients (
            id TEXT PRIMARY KEY,
            external_id TEXT UNIQUE NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,
		`CREATE TABLE IF NOT EXISTS episodes (
            id TEXT PRIMARY KEY,
            patient_id TEXT NOT NULL REFERENCES patients(id),
            condition_code TEXT NOT NULL,
            discharged_at TIMESTAMPTZ NOT NULL,
            risk_level TEXT NOT NULL,
            risk_version BIGINT NOT NULL DEFAULT 0,
            wellness_streak INT NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            active_plan_id TEXT NOT NULL DEFAULT '',
            source_message_id TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            closed_at TIMESTAMPTZ
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS episodes_source_message_idx
            ON episodes(source_message_id) WHERE source_message_id <> ''`,
		`CREATE TABLE IF NOT EXISTS outreach_plans (
            id TEXT PRIMARY KEY,
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            template_id TEXT NOT NULL,
            active BOOLEAN NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            superseded_at TIMESTAMPTZ
        )`,
		`CREATE TABLE IF NOT EXISTS outreach_attempts (
            id TEXT PRIMARY KEY,
            plan_id TEXT NOT NULL REFERENCES outreach_plans(id),
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            sequence INT NOT NULL,
            due_at TIMESTAMPTZ NOT NULL,
            channel TEXT NOT NULL,
            question_id TEXT NOT NULL,
            status TEXT NOT NULL,
            sent_at TIMESTAMPTZ,
            responded_at TIMESTAMPTZ
        )`,
		`CREATE TABLE IF NOT EXISTS patient_responses (
            id TEXT PRIMARY KEY,
            attempt_id TEXT NOT NULL REFERENCES outreach_attempts(id),
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            raw_text TEXT NOT NULL,
            matched_rule_id TEXT NOT NULL DEFAULT '',
            signal TEXT NOT NULL,
            numeric_value DOUBLE PRECISION,
            needs_follow_up BOOLEAN NOT NULL DEFAULT FALSE,
            received_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS plan_templates (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            condition_code TEXT NOT NULL DEFAULT '',
            risk_level TEXT NOT NULL DEFAULT '',
            touches JSONB NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS outreach_questions (
            id TEXT PRIMARY KEY,
            category TEXT NOT NULL,
            text TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS content_packs (
            id TEXT PRIMARY KEY,
            version INT NOT NULL,
            active BOOLEAN NOT NULL,
            rules JSONB NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS escalation_tasks (
            id TEXT PRIMARY KEY,
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            interaction_id TEXT NOT NULL DEFAULT '',
            severity TEXT NOT NULL,
            status TEXT NOT NULL,
            assignee_id TEXT NOT NULL DEFAULT '',
            sla_deadline TIMESTAMPTZ NOT NULL,
            escalation_count INT NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ NOT NULL,
            resolved_at TIMESTAMPTZ,
            outcome TEXT NOT NULL DEFAULT '',
            notes TEXT NOT NULL DEFAULT '',
            resolved_by TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS staff_members (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            specialties TEXT[] NOT NULL DEFAULT '{}',
            available BOOLEAN NOT NULL,
            supervisor BOOLEAN NOT NULL DEFAULT FALSE,
            contact TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS medications (
            id TEXT PRIMARY KEY,
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            name TEXT NOT NULL,
            doses_per_day INT NOT NULL,
            prescribed_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS dose_events (
            id TEXT PRIMARY KEY,
            medication_id TEXT NOT NULL REFERENCES medications(id),
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            taken_at TIMESTAMPTZ NOT NULL,
            source TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS agent_interactions (
            id TEXT PRIMARY KEY,
            episode_id TEXT NOT NULL REFERENCES episodes(id),
            attempt_id TEXT NOT NULL DEFAULT '',
            started_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS interaction_messages (
            id TEXT PRIMARY KEY,
            interaction_id TEXT NOT NULL REFERENCES agent_interactions(id),
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpsertPatient(ctx context.Context, p *models.Patient) (*models.Patient, error) {
	// UPDATE-then-INSERT keyed by the external MRN.
	res, err := s.DB.ExecContext(ctx,
		`UPDATE patients
         SET name = COALESCE(NULLIF($1, ''), name),
             phone = COALESCE(NULLIF($2, ''), phone),
             email = COALESCE(NULLIF($3, ''), email)
         WHERE external_id = $4`,
		p.Name, p.Phone, p.Email, p.ExternalID,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO patients (id, external_id, name, phone, email, created_at)
             VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.ExternalID, p.Name, p.Phone, p.Email, p.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
	}
	return s.GetPatientByExternalID(ctx, p.ExternalID)
}

func (s *PostgresStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var p models.Patient
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, external_id, name, phone, email, created_at
         FROM patients WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.ExternalID, &p.Name, &p.Phone, &p.Email, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("PATIENT_NOT_FOUND", "no patient with id %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPatientByExternalID(ctx context.Context, externalID string) (*models.Patient, error) {
	var p models.Patient
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, external_id, name, phone, email, created_at
         FROM patients WHERE external_id = $1`,
		externalID,
	).Scan(&p.ID, &p.ExternalID, &p.Name, &p.Phone, &p.Email, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("PATIENT_NOT_FOUND", "no patient with external id %s", externalID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const episodeColumns = `id, patient_id, condition_code, discharged_at, risk_level, risk_version,
    wellness_streak, status, active_plan_id, source_message_id, created_at, closed_at`

func scanEpisode(row interface{ Scan(...interface{}) error }) (*models.Episode, error) {
	var e models.Episode
	err := row.Scan(&e.ID, &e.PatientID, &e.ConditionCode, &e.DischargedAt, &e.RiskLevel,
		&e.RiskVersion, &e.WellnessStreak, &e.Status, &e.ActivePlanID, &e.SourceMessageID,
		&e.CreatedAt, &e.ClosedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEpisode(ctx context.Context, e *models.Episode) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO episodes (`+episodeColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.PatientID, e.ConditionCode, e.DischargedAt, e.RiskLevel, e.RiskVersion,
		e.WellnessStreak, e.Status, e.ActivePlanID, e.SourceMessageID, e.CreatedAt, e.ClosedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return models.NewConflictError("DUPLICATE_SOURCE_MESSAGE", "message %s already opened an episode", e.SourceMessageID)
	}
	return err
}

func (s *PostgresStore) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	e, err := scanEpisode(s.DB.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", id)
	}
	return e, err
}

func (s *PostgresStore) FindEpisodeBySourceMessage(ctx context.Context, messageID string) (*models.Episode, error) {
	e, err := scanEpisode(s.DB.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE source_message_id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode from message %s", messageID)
	}
	return e, err
}

func (s *PostgresStore) ListOpenEpisodes(ctx context.Context) ([]*models.Episode, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE status = $1 ORDER BY created_at`,
		models.EpisodeOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateEpisodeRisk(ctx context.Context, episodeID string, fromVersion int64, level models.RiskLevel, streak int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE episodes
         SET risk_level = $1, wellness_streak = $2, risk_version = risk_version + 1
         WHERE id = $3 AND risk_version = $4`,
		level, streak, episodeID, fromVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetEpisode(ctx, episodeID); err != nil {
			return err
		}
		return models.NewConflictError("RISK_VERSION_CONFLICT", "episode %s risk version moved past %d", episodeID, fromVersion)
	}
	return nil
}

func (s *PostgresStore) CloseEpisode(ctx context.Context, episodeID string, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE episodes SET status = $1, closed_at = $2 WHERE id = $3`,
		models.EpisodeClosed, at, episodeID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", episodeID)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE outreach_attempts SET status = $1
         WHERE episode_id = $2 AND status IN ($3, $4)`,
		models.AttemptCancelled, episodeID, models.AttemptPending, models.AttemptSent)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) SwapActivePlan(ctx context.Context, episodeID, expectActive string, plan *models.OutreachPlan, attempts []*models.OutreachAttempt) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT active_plan_id FROM episodes WHERE id = $1 FOR UPDATE`, episodeID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewNotFoundError("EPISODE_NOT_FOUND", "no episode with id %s", episodeID)
	}
	if err != nil {
		return err
	}
	if current != expectActive {
		return models.NewConflictError("PLAN_CONFLICT", "episode %s active plan is %q, expected %q", episodeID, current, expectActive)
	}
	if current != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outreach_plans SET active = FALSE, superseded_at = $1 WHERE id = $2`,
			plan.CreatedAt, current); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outreach_attempts SET status = $1
             WHERE plan_id = $2 AND status IN ($3, $4)`,
			models.AttemptCancelled, current, models.AttemptPending, models.AttemptSent); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outreach_plans (id, episode_id, template_id, active, created_at)
         VALUES ($1, $2, $3, TRUE, $4)`,
		plan.ID, plan.EpisodeID, plan.TemplateID, plan.CreatedAt); err != nil {
		return err
	}
	for _, a := range attempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outreach_attempts (id, plan_id, episode_id, sequence, due_at, channel, question_id, status)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.PlanID, a.EpisodeID, a.Sequence, a.DueAt, a.Channel, a.QuestionID, a.Status); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE episodes SET active_plan_id = $1 WHERE id = $2`, plan.ID, episodeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*models.OutreachPlan, error) {
	var p models.OutreachPlan
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, episode_id, template_id, active, created_at, superseded_at
         FROM outreach_plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.EpisodeID, &p.TemplateID, &p.Active, &p.CreatedAt, &p.SupersededAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("PLAN_NOT_FOUND", "no plan with id %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context, episodeID string) ([]*models.OutreachPlan, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, episode_id, template_id, active, created_at, superseded_at
         FROM outreach_plans WHERE episode_id = $1 ORDER BY created_at`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OutreachPlan
	for rows.Next() {
		var p models.OutreachPlan
		if err := rows.Scan(&p.ID, &p.EpisodeID, &p.TemplateID, &p.Active, &p.CreatedAt, &p.SupersededAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

const attemptColumns = `id, plan_id, episode_id, sequence, due_at, channel, question_id, status, sent_at, responded_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*models.OutreachAttempt, error) {
	var a models.OutreachAttempt
	err := row.Scan(&a.ID, &a.PlanID, &a.EpisodeID, &a.Sequence, &a.DueAt, &a.Channel,
		&a.QuestionID, &a.Status, &a.SentAt, &a.RespondedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*models.OutreachAttempt, error) {
	a, err := scanAttempt(s.DB.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM outreach_attempts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("ATTEMPT_NOT_FOUND", "no attempt with id %s", id)
	}
	return a, err
}

func (s *PostgresStore) ListAttemptsByPlan(ctx context.Context, planID string) ([]*models.OutreachAttempt, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM outreach_attempts WHERE plan_id = $1 ORDER BY sequence`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OutreachAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDueAttempts(ctx context.Context, now time.Time) ([]*models.OutreachAttempt, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT a.id, a.plan_id, a.episode_id, a.sequence, a.due_at, a.channel, a.question_id, a.status, a.sent_at, a.responded_at
         FROM outreach_attempts a
         JOIN outreach_plans p ON a.plan_id = p.id
         JOIN episodes e ON a.episode_id = e.id
         WHERE a.status = $1 AND a.due_at <= $2 AND p.active AND e.status = $3
         ORDER BY a.plan_id, a.sequence`,
		models.AttemptPending, now, models.EpisodeOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OutreachAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionAttempt(ctx context.Context, attemptID string, from, to models.AttemptStatus, at time.Time) error {
	set := `status = $1`
	args := []interface{}{to, attemptID, from}
	switch to {
	case models.AttemptSent:
		set = `status = $1, sent_at = $4`
		args = append(args, at)
	case models.AttemptResponded:
		set = `status = $1, responded_at = $4`
		args = append(args, at)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outreach_attempts SET `+set+` WHERE id = $2 AND status = $3`,
		args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetAttempt(ctx, attemptID); err != nil {
			return err
		}
		return models.NewConflictError("ATTEMPT_STATUS_CONFLICT", "attempt %s is no longer %s", attemptID, from)
	}
	return nil
}

func (s *PostgresStore) CreateResponse(ctx context.Context, r *models.PatientResponse) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO patient_responses (id, attempt_id, episode_id, raw_text, matched_rule_id, signal, numeric_value, needs_follow_up, received_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AttemptID, r.EpisodeID, r.RawText, r.MatchedRuleID, r.Signal, r.NumericValue, r.NeedsFollowUp, r.ReceivedAt)
	return err
}

func (s *PostgresStore) ListResponses(ctx context.Context, episodeID string) ([]*models.PatientResponse, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, attempt_id, episode_id, raw_text, matched_rule_id, signal, numeric_value, needs_follow_up, received_at
         FROM patient_responses WHERE episode_id = $1 ORDER BY received_at`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PatientResponse
	for rows.Next() {
		var r models.PatientResponse
		if err := rows.Scan(&r.ID, &r.AttemptID, &r.EpisodeID, &r.RawText, &r.MatchedRuleID,
			&r.Signal, &r.NumericValue, &r.NeedsFollowUp, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutTemplate(ctx context.Context, t *models.PlanTemplate) error {
	touches, err := json.Marshal(t.Touches)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO plan_templates (id, name, condition_code, risk_level, touches)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (id) DO UPDATE SET name = $2, condition_code = $3, risk_level = $4, touches = $5`,
		t.ID, t.Name, t.ConditionCode, t.RiskLevel, touches)
	return err
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*models.PlanTemplate, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, condition_code, risk_level, touches FROM plan_templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PlanTemplate
	for rows.Next() {
		var t models.PlanTemplate
		var touches []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.ConditionCode, &t.RiskLevel, &touches); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(touches, &t.Touches); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutQuestion(ctx context.Context, q *models.OutreachQuestion) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO outreach_questions (id, category, text) VALUES ($1, $2, $3)
         ON CONFLICT (id) DO UPDATE SET category = $2, text = $3`,
		q.ID, q.Category, q.Text)
	return err
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id string) (*models.OutreachQuestion, error) {
	var q models.OutreachQuestion
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, category, text FROM outreach_questions WHERE id = $1`, id,
	).Scan(&q.ID, &q.Category, &q.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("QUESTION_NOT_FOUND", "no question with id %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *PostgresStore) PutContentPack(ctx context.Context, p *models.ContentPack) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO content_packs (id, version, active, rules) VALUES ($1, $2, $3, $4)
         ON CONFLICT (id) DO UPDATE SET version = $2, active = $3, rules = $4`,
		p.ID, p.Version, p.Active, rules)
	return err
}

func (s *PostgresStore) ActiveContentPack(ctx context.Context) (*models.ContentPack, error) {
	// Highest active version wins: the active pointer is explicit, not
	// result-order dependent.
	var p models.ContentPack
	var rules []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, version, active, rules FROM content_packs
         WHERE active ORDER BY version DESC LIMIT 1`,
	).Scan(&p.ID, &p.Version, &p.Active, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewConfigError("NO_CONTENT_PACK", "no active protocol content pack")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &p.Rules); err != nil {
		return nil, err
	}
	return &p, nil
}

const taskColumns = `id, episode_id, interaction_id, severity, status, assignee_id, sla_deadline,
    escalation_count, created_at, resolved_at, outcome, notes, resolved_by`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.EscalationTask, error) {
	var t models.EscalationTask
	err := row.Scan(&t.ID, &t.EpisodeID, &t.InteractionID, &t.Severity, &t.Status, &t.AssigneeID,
		&t.SLADeadline, &t.EscalationCount, &t.CreatedAt, &t.ResolvedAt, &t.Outcome, &t.Notes, &t.ResolvedBy)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *models.EscalationTask) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO escalation_tasks (`+taskColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.EpisodeID, t.InteractionID, t.Severity, t.Status, t.AssigneeID, t.SLADeadline,
		t.EscalationCount, t.CreatedAt, t.ResolvedAt, t.Outcome, t.Notes, t.ResolvedBy)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.EscalationTask, error) {
	t, err := scanTask(s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM escalation_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("TASK_NOT_FOUND", "no task with id %s", id)
	}
	return t, err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *models.EscalationTask) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE escalation_tasks
         SET severity = $2, status = $3, assignee_id = $4, sla_deadline = $5,
             escalation_count = $6, resolved_at = $7, outcome = $8, notes = $9, resolved_by = $10
         WHERE id = $1`,
		t.ID, t.Severity, t.Status, t.AssigneeID, t.SLADeadline,
		t.EscalationCount, t.ResolvedAt, t.Outcome, t.Notes, t.ResolvedBy)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.NewNotFoundError("TASK_NOT_FOUND", "no task with id %s", t.ID)
	}
	return nil
}

func (s *PostgresStore) ListOpenTasks(ctx context.Context) ([]*models.EscalationTask, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM escalation_tasks WHERE status <> $1 ORDER BY created_at`,
		models.TaskResolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.EscalationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindOpenTaskByEpisode(ctx context.Context, episodeID string) (*models.EscalationTask, error) {
	t, err := scanTask(s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM escalation_tasks
         WHERE episode_id = $1 AND status <> $2
         ORDER BY created_at LIMIT 1`,
		episodeID, models.TaskResolved))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("TASK_NOT_FOUND", "no open task for episode %s", episodeID)
	}
	return t, err
}

func (s *PostgresStore) PutStaff(ctx context.Context, m *models.StaffMember) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO staff_members (id, name, specialties, available, supervisor, contact)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (id) DO UPDATE SET name = $2, specialties = $3, available = $4, supervisor = $5, contact = $6`,
		m.ID, m.Name, pq.Array(m.Specialties), m.Available, m.Supervisor, m.Contact)
	return err
}

func (s *PostgresStore) ListStaff(ctx context.Context) ([]*models.StaffMember, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, specialties, available, supervisor, contact FROM staff_members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.StaffMember
	for rows.Next() {
		var m models.StaffMember
		if err := rows.Scan(&m.ID, &m.Name, pq.Array(&m.Specialties), &m.Available, &m.Supervisor, &m.Contact); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMedication(ctx context.Context, m *models.Medication) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO medications (id, episode_id, name, doses_per_day, prescribed_at)
         VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.EpisodeID, m.Name, m.DosesPerDay, m.PrescribedAt)
	return err
}

func (s *PostgresStore) ListMedications(ctx context.Context, episodeID string) ([]*models.Medication, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, episode_id, name, doses_per_day, prescribed_at
         FROM medications WHERE episode_id = $1 ORDER BY id`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Medication
	for rows.Next() {
		var m models.Medication
		if err := rows.Scan(&m.ID, &m.EpisodeID, &m.Name, &m.DosesPerDay, &m.PrescribedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LogDose(ctx context.Context, d *models.DoseEvent) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO dose_events (id, medication_id, episode_id, taken_at, source)
         VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.MedicationID, d.EpisodeID, d.TakenAt, d.Source)
	return err
}

func (s *PostgresStore) ListDoses(ctx context.Context, episodeID string, since time.Time) ([]*models.DoseEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, medication_id, episode_id, taken_at, source
         FROM dose_events WHERE episode_id = $1 AND taken_at >= $2 ORDER BY taken_at`,
		episodeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DoseEvent
	for rows.Next() {
		var d models.DoseEvent
		if err := rows.Scan(&d.ID, &d.MedicationID, &d.EpisodeID, &d.TakenAt, &d.Source); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateInteraction(ctx context.Context, i *models.AgentInteraction) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO agent_interactions (id, episode_id, attempt_id, started_at)
         VALUES ($1, $2, $3, $4)`,
		i.ID, i.EpisodeID, i.AttemptID, i.StartedAt)
	return err
}

func (s *PostgresStore) FindInteractionByAttempt(ctx context.Context, attemptID string) (*models.AgentInteraction, error) {
	var i models.AgentInteraction
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, episode_id, attempt_id, started_at
         FROM agent_interactions WHERE attempt_id = $1`, attemptID,
	).Scan(&i.ID, &i.EpisodeID, &i.AttemptID, &i.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("INTERACTION_NOT_FOUND", "no interaction for attempt %s", attemptID)
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, m *models.Message) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO interaction_messages (id, interaction_id, role, content, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.InteractionID, m.Role, m.Content, m.CreatedAt)
	return err
}

// PurgeInteraction removes the interaction, its messages and any linked
// escalation task inside one transaction so a failed later step cannot
// leave orphaned children.
func (s *PostgresStore) PurgeInteraction(ctx context.Context, interactionID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM escalation_tasks WHERE interaction_id = $1`, interactionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM interaction_messages WHERE interaction_id = $1`, interactionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM agent_interactions WHERE id = $1`, interactionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.NewNotFoundError("INTERACTION_NOT_FOUND", "no interaction with id %s", interactionID)
	}
	return tx.Commit()
}
