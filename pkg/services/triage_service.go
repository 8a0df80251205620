package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// TriageService owns switchboard.triage_rules.
type TriageService struct {
	db *sql.DB
}

// NewTriageService creates a triage rule service.
func NewTriageService(db *sql.DB) *TriageService {
	if db == nil {
		panic("NewTriageService: db must not be nil")
	}
	return &TriageService{db: db}
}

const triageColumns = `id, rule_type, condition, action, priority, enabled, created_by, created_at, deleted_at`

// CreateRuleInput carries the fields for a new triage rule.
type CreateRuleInput struct {
	RuleType  models.TriageRuleType
	Condition models.TriageCondition
	Action    models.TriageAction
	Priority  int
	CreatedBy string
}

// Create inserts a new triage rule and returns it.
func (s *TriageService) Create(ctx context.Context, in *CreateRuleInput) (*models.TriageRule, error) {
	if !in.Action.Valid() {
		return nil, NewValidationError("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	if in.Priority < 0 {
		return nil, NewValidationError("priority", "must be >= 0")
	}
	condJSON, err := mustJSON(in.Condition)
	if err != nil {
		return nil, err
	}

	rule := &models.TriageRule{
		ID:        newUUID(),
		RuleType:  in.RuleType,
		Condition: in.Condition,
		Action:    in.Action,
		Priority:  in.Priority,
		Enabled:   true,
		CreatedBy: in.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.triage_rules
			(id, rule_type, condition, action, priority, enabled, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)`,
		rule.ID, rule.RuleType, condJSON, rule.Action, rule.Priority, rule.CreatedBy, rule.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create triage rule: %w", err)
	}
	return rule, nil
}

// Get loads one rule by id, deleted or not.
func (s *TriageService) Get(ctx context.Context, id string) (*models.TriageRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triageColumns+` FROM switchboard.triage_rules WHERE id = $1`, id)
	rule, err := scanTriageRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListActive returns enabled, non-deleted rules in evaluation order:
// priority ascending, then creation time, then id as the final tiebreak.
func (s *TriageService) ListActive(ctx context.Context) ([]*models.TriageRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triageColumns+`
		FROM switchboard.triage_rules
		WHERE enabled AND deleted_at IS NULL
		ORDER BY priority ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active triage rules: %w", err)
	}
	defer rows.Close()
	return scanTriageRows(rows)
}

// SetEnabled flips a rule's enabled flag.
func (s *TriageService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.triage_rules
		SET enabled = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, enabled)
	if err != nil {
		return fmt.Errorf("set triage rule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a rule. Deleted rules never match but stay queryable
// for audit.
func (s *TriageService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.triage_rules
		SET deleted_at = now(), enabled = FALSE
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete triage rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTriageRow(row rowScanner) (*models.TriageRule, error) {
	var (
		rule      models.TriageRule
		condJSON  []byte
		deletedAt sql.NullTime
	)
	err := row.Scan(&rule.ID, &rule.RuleType, &condJSON, &rule.Action,
		&rule.Priority, &rule.Enabled, &rule.CreatedBy, &rule.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	rule.DeletedAt = timePtr(deletedAt)
	if err := scanJSON(condJSON, &rule.Condition); err != nil {
		return nil, err
	}
	return &rule, nil
}

func scanTriageRows(rows *sql.Rows) ([]*models.TriageRule, error) {
	var out []*models.TriageRule
	for rows.Next() {
		rule, err := scanTriageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
