package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Template is a reusable task prompt the scheduler instantiates on a tick
// (spec §3/§4.F).
type Template struct {
	ID               string
	Name             string
	Description      string
	Category         string
	Role             string
	PromptTemplate   string
	EstimatedMinutes *int
	RequiredContext  json.RawMessage
}

// Schedule binds a cron expression to a set of templates.
type Schedule struct {
	ID              string
	Name            string
	CronExpr        string
	TaskTemplateIDs []string
	Repository      string
	Enabled         bool
	LastRun         *time.Time
	NextRun         *time.Time
}

// CreateTemplate inserts a task template.
func (s *Store) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	if t.RequiredContext == nil {
		t.RequiredContext = json.RawMessage("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, description, category, role, prompt_template,
			estimated_minutes, required_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		t.ID, t.Name, nullableString(t.Description), nullableString(t.Category), t.Role,
		t.PromptTemplate, t.EstimatedMinutes, string(t.RequiredContext))
	if err != nil {
		return Template{}, newErr("CreateTemplate", KindConflict, err)
	}
	return s.GetTemplate(ctx, t.ID)
}

// GetTemplate fetches a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, role, prompt_template, estimated_minutes, required_context
		FROM templates WHERE id = ?;`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, newErr("GetTemplate", KindNotFound, err)
	}
	if err != nil {
		return Template{}, newErr("GetTemplate", KindFatal, err)
	}
	return t, nil
}

// ListTemplates lists every registered template.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, category, role, prompt_template, estimated_minutes, required_context
		FROM templates ORDER BY name ASC;`)
	if err != nil {
		return nil, newErr("ListTemplates", KindFatal, err)
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, newErr("ListTemplates", KindFatal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row rowScanner) (Template, error) {
	var t Template
	var description, category sql.NullString
	var estimatedMinutes sql.NullInt64
	var requiredContext string
	if err := row.Scan(&t.ID, &t.Name, &description, &category, &t.Role, &t.PromptTemplate,
		&estimatedMinutes, &requiredContext); err != nil {
		return Template{}, err
	}
	t.Description = description.String
	t.Category = category.String
	if estimatedMinutes.Valid {
		v := int(estimatedMinutes.Int64)
		t.EstimatedMinutes = &v
	}
	t.RequiredContext = json.RawMessage(requiredContext)
	return t, nil
}

// CreateSchedule registers a schedule. nextRun is computed by the caller
// (internal/scheduler owns cron expression parsing) and passed in.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	ids, err := json.Marshal(sc.TaskTemplateIDs)
	if err != nil {
		return Schedule{}, newErr("CreateSchedule", KindConflict, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, task_template_ids, repository, enabled, next_run)
		VALUES (?, ?, ?, ?, ?, ?, ?);`,
		sc.ID, sc.Name, sc.CronExpr, string(ids), nullableString(sc.Repository), sc.Enabled, nullTime(sc.NextRun))
	if err != nil {
		return Schedule{}, newErr("CreateSchedule", KindConflict, err)
	}
	return s.GetSchedule(ctx, sc.ID)
}

// RecordScheduleFire stamps lastRun=now and persists the newly computed nextRun.
func (s *Store) RecordScheduleFire(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run = CURRENT_TIMESTAMP, next_run = ? WHERE id = ?;`,
		nullTime(nextRun), id)
	if err != nil {
		return newErr("RecordScheduleFire", KindFatal, err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?;`, enabled, id)
	if err != nil {
		return newErr("SetScheduleEnabled", KindFatal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr("SetScheduleEnabled", KindNotFound, sql.ErrNoRows)
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?;`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, newErr("GetSchedule", KindNotFound, err)
	}
	if err != nil {
		return Schedule{}, newErr("GetSchedule", KindFatal, err)
	}
	return sc, nil
}

// ListDueSchedules returns enabled schedules whose nextRun has passed.
func (s *Store) ListDueSchedules(ctx context.Context, asOf time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+`
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?;`, asOf)
	if err != nil {
		return nil, newErr("ListDueSchedules", KindFatal, err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, newErr("ListDueSchedules", KindFatal, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListSchedules returns every registered schedule, enabled or not.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` ORDER BY name ASC;`)
	if err != nil {
		return nil, newErr("ListSchedules", KindFatal, err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, newErr("ListSchedules", KindFatal, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

const scheduleSelect = `
	SELECT id, name, cron_expr, task_template_ids, repository, enabled, last_run, next_run
	FROM schedules`

func scanSchedule(row rowScanner) (Schedule, error) {
	var sc Schedule
	var repository sql.NullString
	var enabled bool
	var lastRun, nextRun sql.NullTime
	var templateIDs string
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &templateIDs, &repository, &enabled, &lastRun, &nextRun); err != nil {
		return Schedule{}, err
	}
	sc.Repository = repository.String
	sc.Enabled = enabled
	if lastRun.Valid {
		sc.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		sc.NextRun = &nextRun.Time
	}
	_ = json.Unmarshal([]byte(templateIDs), &sc.TaskTemplateIDs)
	return sc, nil
}
