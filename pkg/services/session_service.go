package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// SessionService owns one butler's sessions table.
type SessionService struct {
	db    *sql.DB
	table string
}

// NewSessionService creates a session service for the named butler's schema.
func NewSessionService(db *sql.DB, butler string) *SessionService {
	if db == nil {
		panic("NewSessionService: db must not be nil")
	}
	return &SessionService{db: db, table: "butler_" + butler + ".sessions"}
}

const sessionColumns = `id, butler, prompt, trigger_source, model, input_tokens, output_tokens,
	started_at, completed_at, success, error, parent_session_id, trace_id, tool_calls, cost`

// Create persists a new session row at spawn time.
func (s *SessionService) Create(ctx context.Context, sess *models.Session) error {
	toolsJSON, err := mustJSON(sess.ToolCalls)
	if err != nil {
		return err
	}
	if sess.ToolCalls == nil {
		toolsJSON = []byte(`[]`)
	}
	costJSON, err := mustJSON(sess.Cost)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+`
			(id, butler, prompt, trigger_source, model, input_tokens, output_tokens,
			 started_at, completed_at, success, error, parent_session_id, trace_id, tool_calls, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sess.ID, sess.Butler, sess.Prompt, sess.Trigger, sess.Model,
		sess.InputTokens, sess.OutputTokens, sess.StartedAt, nullTime(sess.CompletedAt),
		sess.Success, sess.ErrorMessage, nullString(sess.ParentSessionID), sess.TraceID,
		toolsJSON, costJSON)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Finish records a session's outcome: usage, tool calls, cost, and result.
func (s *SessionService) Finish(ctx context.Context, sess *models.Session) error {
	toolsJSON, err := mustJSON(sess.ToolCalls)
	if err != nil {
		return err
	}
	if sess.ToolCalls == nil {
		toolsJSON = []byte(`[]`)
	}
	costJSON, err := mustJSON(sess.Cost)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET completed_at = now(), success = $2, error = $3,
		    input_tokens = $4, output_tokens = $5, tool_calls = $6, cost = $7, model = $8
		WHERE id = $1`,
		sess.ID, sess.Success, sess.ErrorMessage,
		sess.InputTokens, sess.OutputTokens, toolsJSON, costJSON, sess.Model)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM `+s.table+` WHERE id = $1`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

// Recent returns the newest sessions, most recent first.
func (s *SessionService) Recent(ctx context.Context, limit int) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM `+s.table+`
		 ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var (
		sess      models.Session
		doneAt    sql.NullTime
		parentID  sql.NullString
		toolsJSON []byte
		costJSON  []byte
	)
	err := row.Scan(&sess.ID, &sess.Butler, &sess.Prompt, &sess.Trigger, &sess.Model,
		&sess.InputTokens, &sess.OutputTokens, &sess.StartedAt, &doneAt,
		&sess.Success, &sess.ErrorMessage, &parentID, &sess.TraceID, &toolsJSON, &costJSON)
	if err != nil {
		return nil, err
	}
	sess.CompletedAt = timePtr(doneAt)
	if parentID.Valid {
		sess.ParentSessionID = parentID.String
	}
	if err := scanJSON(toolsJSON, &sess.ToolCalls); err != nil {
		return nil, err
	}
	if err := scanJSON(costJSON, &sess.Cost); err != nil {
		return nil, err
	}
	return &sess, nil
}
