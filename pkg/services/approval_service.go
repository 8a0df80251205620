package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// ApprovalService owns switchboard.approvals, approval_rules, and the
// append-only approval_events audit trail.
type ApprovalService struct {
	db *sql.DB
}

// NewApprovalService creates an approval service.
func NewApprovalService(db *sql.DB) *ApprovalService {
	if db == nil {
		panic("NewApprovalService: db must not be nil")
	}
	return &ApprovalService{db: db}
}

const approvalColumns = `id, butler, request_id, tool_name, tool_args, summary, status,
	requested_at, expires_at, decided_at, decided_by, decision_reason, source_context, execution_result`

// EnqueueInput carries the fields of a new pending action.
type EnqueueInput struct {
	Butler        string
	RequestID     string
	ToolName      string
	ToolArgs      map[string]any
	Summary       string
	ExpiresAt     *time.Time
	SourceContext map[string]any
}

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult struct {
	Action    *models.PendingAction
	Duplicate bool
}

// Enqueue inserts a pending action. Replaying the same request_id returns
// the existing action unchanged with Duplicate=true, whatever state it has
// reached since.
func (s *ApprovalService) Enqueue(ctx context.Context, in *EnqueueInput) (*EnqueueResult, error) {
	if in.ToolName == "" {
		return nil, NewValidationError("tool_name", "must not be empty")
	}
	argsJSON, err := mustJSON(in.ToolArgs)
	if err != nil {
		return nil, err
	}
	srcJSON, err := mustJSON(in.SourceContext)
	if err != nil {
		return nil, err
	}

	action := &models.PendingAction{
		ID:            newUUID(),
		Butler:        in.Butler,
		RequestID:     in.RequestID,
		ToolName:      in.ToolName,
		ToolArgs:      in.ToolArgs,
		Summary:       in.Summary,
		Status:        models.ActionPending,
		RequestedAt:   time.Now().UTC(),
		ExpiresAt:     in.ExpiresAt,
		SourceContext: in.SourceContext,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.approvals
			(id, butler, request_id, tool_name, tool_args, summary, status,
			 requested_at, expires_at, source_context)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)`,
		action.ID, action.Butler, action.RequestID, action.ToolName, argsJSON,
		action.Summary, action.RequestedAt, nullTime(action.ExpiresAt), srcJSON)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.GetByRequestID(ctx, in.RequestID)
			if lookupErr != nil {
				return nil, fmt.Errorf("duplicate detected but lookup failed: %w", lookupErr)
			}
			return &EnqueueResult{Action: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("enqueue pending action: %w", err)
	}

	if err := s.recordEvent(ctx, action.ID, "enqueued", in.Butler, nil); err != nil {
		return nil, err
	}
	return &EnqueueResult{Action: action}, nil
}

// Get loads one pending action by id.
func (s *ApprovalService) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM switchboard.approvals WHERE id = $1`, id)
	action, err := scanApprovalRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return action, err
}

// GetByRequestID loads one pending action by its idempotency key.
func (s *ApprovalService) GetByRequestID(ctx context.Context, requestID string) (*models.PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM switchboard.approvals WHERE request_id = $1`, requestID)
	action, err := scanApprovalRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return action, err
}

// ListPending returns pending actions, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context, butler string, limit int) ([]*models.PendingAction, error) {
	query := `SELECT ` + approvalColumns + `
		FROM switchboard.approvals
		WHERE status = 'pending'
		ORDER BY requested_at ASC
		LIMIT $1`
	args := []any{limit}
	if butler != "" {
		query = `SELECT ` + approvalColumns + `
		FROM switchboard.approvals
		WHERE status = 'pending' AND butler = $2
		ORDER BY requested_at ASC
		LIMIT $1`
		args = append(args, butler)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()
	return scanApprovalRows(rows)
}

// Decide moves a pending action to approved or rejected. The CAS on
// status='pending' guarantees a single decision wins; a lost race returns
// ErrConcurrentModification so the caller can re-read the final state.
func (s *ApprovalService) Decide(ctx context.Context, id string, approve bool, decidedBy, reason string) error {
	to := models.ActionRejected
	if approve {
		to = models.ActionApproved
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.approvals
		SET status = $2, decided_at = now(), decided_by = $3, decision_reason = $4
		WHERE id = $1 AND status = 'pending'`,
		id, to, decidedBy, reason)
	if err != nil {
		return fmt.Errorf("decide pending action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, id); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return s.recordEvent(ctx, id, string(to), decidedBy, map[string]any{"reason": reason})
}

// MarkExecuted records the execution result of an approved action.
func (s *ApprovalService) MarkExecuted(ctx context.Context, id string, result map[string]any) error {
	resJSON, err := mustJSON(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.approvals
		SET status = 'executed', execution_result = $2
		WHERE id = $1 AND status = 'approved'`, id, resJSON)
	if err != nil {
		return fmt.Errorf("mark action executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, id); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return s.recordEvent(ctx, id, "executed", "", nil)
}

// RecordExecutionError stores a failed execution result. The action stays
// approved so the tool can be retried after the underlying fault clears.
func (s *ApprovalService) RecordExecutionError(ctx context.Context, id, errMsg string) error {
	resJSON, err := mustJSON(map[string]any{"error": errMsg})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.approvals
		SET execution_result = $2
		WHERE id = $1 AND status = 'approved'`, id, resJSON)
	if err != nil {
		return fmt.Errorf("record execution error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.recordEvent(ctx, id, "execution_failed", "", map[string]any{"error": errMsg})
}

// ExpirePending sweeps pending actions past their deadline into expired,
// logging each. Returns the expired action ids.
func (s *ApprovalService) ExpirePending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE switchboard.approvals
		SET status = 'expired', decided_at = now(), decided_by = 'system',
		    decision_reason = 'expired'
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < now()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("expire pending actions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.recordEvent(ctx, id, "expired", "system", nil); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// ActiveRules returns active approval rules, oldest first so earlier rules
// win on overlap.
func (s *ApprovalService) ActiveRules(ctx context.Context) ([]*models.ApprovalRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, match_predicate, decision, active, created_at
		FROM switchboard.approval_rules
		WHERE active
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list approval rules: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRule
	for rows.Next() {
		var (
			rule     models.ApprovalRule
			predJSON []byte
		)
		if err := rows.Scan(&rule.ID, &predJSON, &rule.Decision, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, err
		}
		if err := scanJSON(predJSON, &rule.Predicate); err != nil {
			return nil, err
		}
		out = append(out, &rule)
	}
	return out, rows.Err()
}

// CreateRule inserts an approval rule.
func (s *ApprovalService) CreateRule(ctx context.Context, pred models.ApprovalPredicate, decision models.RuleDecision) (*models.ApprovalRule, error) {
	if pred.ToolGlob == "" {
		return nil, NewValidationError("tool_glob", "must not be empty")
	}
	predJSON, err := mustJSON(pred)
	if err != nil {
		return nil, err
	}
	rule := &models.ApprovalRule{
		ID:        newUUID(),
		Predicate: pred,
		Decision:  decision,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.approval_rules (id, match_predicate, decision, active, created_at)
		VALUES ($1, $2, $3, TRUE, $4)`,
		rule.ID, predJSON, rule.Decision, rule.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create approval rule: %w", err)
	}
	return rule, nil
}

// DeactivateRule turns a rule off.
func (s *ApprovalService) DeactivateRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.approval_rules SET active = FALSE WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("deactivate approval rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeOld applies the retention policy: terminal actions age out from
// decided_at, inactive rules from created_at. The approval_events table is
// append-only audit, so its purge runs only when privileged is set.
// Returns rows deleted per table. Pending actions are never deleted.
func (s *ApprovalService) PurgeOld(ctx context.Context, actionDays, ruleDays, eventDays int, privileged bool) (actions, rules, events int64, err error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM switchboard.approvals
		WHERE status IN ('approved', 'rejected', 'expired', 'executed')
		  AND decided_at IS NOT NULL
		  AND decided_at < now() - make_interval(days => $1)`, actionDays)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("purge old approvals: %w", err)
	}
	actions, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM switchboard.approval_rules
		WHERE NOT active AND created_at < now() - make_interval(days => $1)`, ruleDays)
	if err != nil {
		return actions, 0, 0, fmt.Errorf("purge old approval rules: %w", err)
	}
	rules, _ = res.RowsAffected()

	if !privileged {
		return actions, rules, 0, nil
	}
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM switchboard.approval_events
		WHERE created_at < now() - make_interval(days => $1)`, eventDays)
	if err != nil {
		return actions, rules, 0, fmt.Errorf("purge old approval events: %w", err)
	}
	events, _ = res.RowsAffected()
	return actions, rules, events, nil
}

func (s *ApprovalService) recordEvent(ctx context.Context, actionID, event, actor string, detail map[string]any) error {
	detailJSON, err := mustJSON(detail)
	if err != nil {
		return err
	}
	if detail == nil {
		detailJSON = []byte(`{}`)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.approval_events (action_id, event, actor, detail)
		VALUES ($1, $2, $3, $4)`, actionID, event, actor, detailJSON); err != nil {
		return fmt.Errorf("record approval event: %w", err)
	}
	return nil
}

func scanApprovalRow(row rowScanner) (*models.PendingAction, error) {
	var (
		action    models.PendingAction
		argsJSON  []byte
		srcJSON   []byte
		resJSON   []byte
		expiresAt sql.NullTime
		decidedAt sql.NullTime
	)
	err := row.Scan(&action.ID, &action.Butler, &action.RequestID, &action.ToolName,
		&argsJSON, &action.Summary, &action.Status, &action.RequestedAt,
		&expiresAt, &decidedAt, &action.DecidedBy, &action.DecisionReason,
		&srcJSON, &resJSON)
	if err != nil {
		return nil, err
	}
	action.ExpiresAt = timePtr(expiresAt)
	action.DecidedAt = timePtr(decidedAt)
	if err := scanJSON(argsJSON, &action.ToolArgs); err != nil {
		return nil, err
	}
	if err := scanJSON(srcJSON, &action.SourceContext); err != nil {
		return nil, err
	}
	if err := scanJSON(resJSON, &action.ExecutionResult); err != nil {
		return nil, err
	}
	return &action, nil
}

func scanApprovalRows(rows *sql.Rows) ([]*models.PendingAction, error) {
	var out []*models.PendingAction
	for rows.Next() {
		action, err := scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}
