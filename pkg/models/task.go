package models

import "time"

// ScheduledTask is a row of <butler>.scheduled_tasks: a cron-driven prompt.
type ScheduledTask struct {
	ID              string     `json:"id"`
	Butler          string     `json:"butler"`
	Name            string     `json:"name"`
	Cron            string     `json:"cron"`
	Prompt          string     `json:"prompt"`
	UntilAt         *time.Time `json:"until_at,omitempty"` // one-shot guard; task disables after this
	CalendarEventID string     `json:"calendar_event_id,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	Enabled         bool       `json:"enabled"`
}
