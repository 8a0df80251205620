package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

// butlerNamePattern guards dynamic DDL: butler names become schema names.
var butlerNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// EnsureButlerSchema creates the per-butler schema and its tables if they
// do not exist. Idempotent; called once at daemon startup.
func EnsureButlerSchema(ctx context.Context, db *sql.DB, butler string) error {
	if !butlerNamePattern.MatchString(butler) {
		return fmt.Errorf("invalid butler name %q", butler)
	}
	schema := "butler_" + butler

	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.sessions (
			id UUID PRIMARY KEY,
			butler TEXT NOT NULL,
			prompt TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			parent_session_id UUID,
			trace_id TEXT NOT NULL DEFAULT '',
			tool_calls JSONB NOT NULL DEFAULT '[]',
			cost JSONB NOT NULL DEFAULT '{}'
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS sessions_started_at_idx
			ON %s.sessions (started_at DESC)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.route_inbox (
			id UUID PRIMARY KEY,
			target_butler TEXT NOT NULL,
			source_butler TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args JSONB NOT NULL DEFAULT '{}',
			request_context JSONB NOT NULL DEFAULT '{}',
			input_context JSONB NOT NULL DEFAULT '{}',
			prompt TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT,
			accepted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			result TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'accepted'
		)`, schema),
		// Schemas created before the column existed pick it up here.
		fmt.Sprintf(`ALTER TABLE %s.route_inbox
			ADD COLUMN IF NOT EXISTS input_context JSONB NOT NULL DEFAULT '{}'`, schema),
		// At most one non-terminal row per (target, dedupe_key).
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS route_inbox_dedupe_idx
			ON %s.route_inbox (target_butler, dedupe_key)
			WHERE dedupe_key IS NOT NULL
			  AND status NOT IN ('completed', 'dead_lettered')`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS route_inbox_status_idx
			ON %s.route_inbox (status, accepted_at)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.scheduled_tasks (
			id UUID PRIMARY KEY,
			butler TEXT NOT NULL,
			name TEXT NOT NULL,
			cron TEXT NOT NULL,
			prompt TEXT NOT NULL,
			until_at TIMESTAMPTZ,
			calendar_event_id TEXT NOT NULL DEFAULT '',
			last_run_at TIMESTAMPTZ,
			next_run_at TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (butler, name)
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.state (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.butler_secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema),
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema %s: %w", schema, err)
		}
	}
	return nil
}

// EnsurePartition creates the monthly partition covering ts for a
// partitioned switchboard table, via the ensure_partition SQL function
// installed by migrations.
func EnsurePartition(ctx context.Context, db *sql.DB, table string, ts time.Time) error {
	_, err := db.ExecContext(ctx,
		`SELECT switchboard.ensure_partition($1, $2)`, table, ts.UTC())
	if err != nil {
		return fmt.Errorf("ensure partition for %s at %s: %w", table, ts.Format("2006-01"), err)
	}
	return nil
}

// DropOldPartitions drops monthly partitions of table older than the keep
// window and returns the names dropped.
func DropOldPartitions(ctx context.Context, db *sql.DB, table string, keepMonths int) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT switchboard.drop_old_partitions($1, $2)`, table, keepMonths)
	if err != nil {
		return nil, fmt.Errorf("drop old partitions for %s: %w", table, err)
	}
	defer rows.Close()

	var dropped []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return dropped, err
		}
		dropped = append(dropped, name)
	}
	return dropped, rows.Err()
}
