package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// TaskService owns one butler's scheduled_tasks table.
type TaskService struct {
	db    *sql.DB
	table string
}

// NewTaskService creates a scheduled task service for the named butler's
// schema.
func NewTaskService(db *sql.DB, butler string) *TaskService {
	if db == nil {
		panic("NewTaskService: db must not be nil")
	}
	return &TaskService{db: db, table: "butler_" + butler + ".scheduled_tasks"}
}

const taskColumns = `id, butler, name, cron, prompt, until_at, calendar_event_id,
	last_run_at, next_run_at, enabled`

// Upsert creates or replaces a task by (butler, name).
func (s *TaskService) Upsert(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		task.ID = newUUID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+`
			(id, butler, name, cron, prompt, until_at, calendar_event_id,
			 last_run_at, next_run_at, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (butler, name) DO UPDATE
		SET cron = EXCLUDED.cron, prompt = EXCLUDED.prompt,
		    until_at = EXCLUDED.until_at, calendar_event_id = EXCLUDED.calendar_event_id,
		    next_run_at = EXCLUDED.next_run_at, enabled = EXCLUDED.enabled`,
		task.ID, task.Butler, task.Name, task.Cron, task.Prompt,
		nullTime(task.UntilAt), task.CalendarEventID,
		nullTime(task.LastRunAt), nullTime(task.NextRunAt), task.Enabled)
	if err != nil {
		return fmt.Errorf("upsert scheduled task %s: %w", task.Name, err)
	}
	return nil
}

// ListEnabled returns enabled tasks whose one-shot window has not passed.
func (s *TaskService) ListEnabled(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM `+s.table+`
		WHERE enabled AND (until_at IS NULL OR until_at > now())
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// MarkRun stamps last_run_at and the computed next fire time.
func (s *TaskService) MarkRun(ctx context.Context, id string, ranAt time.Time, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET last_run_at = $2, next_run_at = $3
		WHERE id = $1`, id, ranAt, nullTime(next))
	if err != nil {
		return fmt.Errorf("mark task run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableExpired disables one-shot tasks past their until_at deadline.
func (s *TaskService) DisableExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET enabled = FALSE
		WHERE enabled AND until_at IS NOT NULL AND until_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("disable expired tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete removes a task by (butler, name).
func (s *TaskService) Delete(ctx context.Context, butler, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE butler = $1 AND name = $2`, butler, name)
	if err != nil {
		return fmt.Errorf("delete scheduled task %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTaskRow(row rowScanner) (*models.ScheduledTask, error) {
	var (
		task      models.ScheduledTask
		untilAt   sql.NullTime
		lastRunAt sql.NullTime
		nextRunAt sql.NullTime
	)
	err := row.Scan(&task.ID, &task.Butler, &task.Name, &task.Cron, &task.Prompt,
		&untilAt, &task.CalendarEventID, &lastRunAt, &nextRunAt, &task.Enabled)
	if err != nil {
		return nil, err
	}
	task.UntilAt = timePtr(untilAt)
	task.LastRunAt = timePtr(lastRunAt)
	task.NextRunAt = timePtr(nextRunAt)
	return &task, nil
}
