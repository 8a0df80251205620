package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// RouteService owns one butler's route_inbox table.
type RouteService struct {
	db    *sql.DB
	table string
}

// NewRouteService creates a route service for the named butler's schema.
func NewRouteService(db *sql.DB, butler string) *RouteService {
	if db == nil {
		panic("NewRouteService: db must not be nil")
	}
	return &RouteService{db: db, table: "butler_" + butler + ".route_inbox"}
}

const routeColumns = `id, target_butler, source_butler, tool_name, args, request_context,
	input_context, prompt, accepted_at, started_at, completed_at, result, error_class, error, attempts, status`

// AcceptResult reports the outcome of the accept phase.
type AcceptResult struct {
	RequestID string
	Duplicate bool
}

// Accept inserts an accepted row. A non-terminal row with the same
// (target, dedupe_key) collapses the insert and returns the existing id.
func (s *RouteService) Accept(ctx context.Context, req *models.RouteRequest) (*AcceptResult, error) {
	argsJSON, err := mustJSON(req.Args)
	if err != nil {
		return nil, err
	}
	ctxJSON, err := mustJSON(req.Context)
	if err != nil {
		return nil, err
	}
	inputJSON, err := mustJSON(req.InputContext)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+`
			(id, target_butler, source_butler, tool_name, args, request_context,
			 input_context, prompt, dedupe_key, accepted_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'accepted')`,
		req.ID, req.TargetButler, req.SourceButler, req.ToolName, argsJSON, ctxJSON,
		inputJSON, req.Prompt, nullString(req.Context.DedupeKey), req.AcceptedAt)
	if err != nil {
		if isUniqueViolation(err) && req.Context.DedupeKey != "" {
			var existing string
			lookupErr := s.db.QueryRowContext(ctx, `
				SELECT id FROM `+s.table+`
				WHERE target_butler = $1 AND dedupe_key = $2
				  AND status NOT IN ('completed', 'dead_lettered')`,
				req.TargetButler, req.Context.DedupeKey).Scan(&existing)
			if lookupErr != nil {
				return nil, fmt.Errorf("route dedupe lookup: %w", lookupErr)
			}
			return &AcceptResult{RequestID: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("accept route request: %w", err)
	}
	return &AcceptResult{RequestID: req.ID}, nil
}

// ClaimOldest atomically claims the oldest retryable row using
// FOR UPDATE SKIP LOCKED and moves it to processing.
// Rows in accepted are always retryable; failed rows are retryable while
// attempts < maxRetries.
func (s *RouteService) ClaimOldest(ctx context.Context, maxRetries int) (*models.RouteRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+routeColumns+`
		FROM `+s.table+`
		WHERE status = 'accepted'
		   OR (status = 'failed' AND attempts < $1)
		ORDER BY accepted_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, maxRetries)

	req, err := scanRouteRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query claimable route row: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET status = 'processing', started_at = $2, attempts = attempts + 1
		WHERE id = $1`, req.ID, now); err != nil {
		return nil, fmt.Errorf("claim route row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	req.Status = models.RouteProcessing
	req.StartedAt = &now
	req.Attempts++
	return req, nil
}

// Complete marks a processing row completed with a result summary.
func (s *RouteService) Complete(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET status = 'completed', completed_at = now(), result = $2,
		    error_class = '', error = ''
		WHERE id = $1`, id, result)
	if err != nil {
		return fmt.Errorf("complete route request: %w", err)
	}
	return nil
}

// Fail records a failure. Once attempts reach maxRetries the row is
// dead-lettered; until then it stays failed and remains claimable.
// Returns the resulting status.
func (s *RouteService) Fail(ctx context.Context, id string, class models.ErrorClass, msg string, maxRetries int) (models.RouteStatus, error) {
	var status models.RouteStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE `+s.table+`
		SET status = CASE WHEN attempts >= $4 THEN 'dead_lettered' ELSE 'failed' END,
		    completed_at = CASE WHEN attempts >= $4 THEN now() ELSE completed_at END,
		    error_class = $2, error = $3
		WHERE id = $1
		RETURNING status`, id, class, msg, maxRetries).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("fail route request: %w", err)
	}
	return status, nil
}

// RecoverOrphans handles crash recovery:
//   - processing rows older than processingTimeout are failed with
//     error 'orphaned' (claimable again until retries are exhausted);
//   - accepted rows older than grace simply remain claimable, but their
//     count is returned so the caller can log and reset metrics.
func (s *RouteService) RecoverOrphans(ctx context.Context, grace, processingTimeout time.Duration, maxRetries int) (requeued, orphaned int64, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET status = CASE WHEN attempts >= $2 THEN 'dead_lettered' ELSE 'failed' END,
		    error_class = 'internal_error', error = 'orphaned'
		WHERE status = 'processing' AND started_at < now() - $1::interval`,
		pgInterval(processingTimeout), maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("recover orphaned processing rows: %w", err)
	}
	orphaned, _ = res.RowsAffected()

	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM `+s.table+`
		WHERE status = 'accepted' AND accepted_at < now() - $1::interval`,
		pgInterval(grace))
	if err := row.Scan(&requeued); err != nil {
		return requeued, orphaned, fmt.Errorf("count stale accepted rows: %w", err)
	}
	return requeued, orphaned, nil
}

// QueueDepth returns the number of rows awaiting processing.
func (s *RouteService) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+s.table+` WHERE status = 'accepted'`).Scan(&n)
	return n, err
}

// Get loads one route request by id.
func (s *RouteService) Get(ctx context.Context, id string) (*models.RouteRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM `+s.table+` WHERE id = $1`, id)
	req, err := scanRouteRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return req, err
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%f seconds", d.Seconds())
}

func scanRouteRow(row rowScanner) (*models.RouteRequest, error) {
	var (
		req       models.RouteRequest
		argsJSON  []byte
		ctxJSON   []byte
		inputJSON []byte
		startedAt sql.NullTime
		doneAt    sql.NullTime
	)
	err := row.Scan(&req.ID, &req.TargetButler, &req.SourceButler, &req.ToolName,
		&argsJSON, &ctxJSON, &inputJSON, &req.Prompt, &req.AcceptedAt, &startedAt, &doneAt,
		&req.Result, &req.ErrorClass, &req.ErrorMessage, &req.Attempts, &req.Status)
	if err != nil {
		return nil, err
	}
	req.StartedAt = timePtr(startedAt)
	req.CompletedAt = timePtr(doneAt)
	if err := scanJSON(argsJSON, &req.Args); err != nil {
		return nil, err
	}
	if err := scanJSON(ctxJSON, &req.Context); err != nil {
		return nil, err
	}
	if err := scanJSON(inputJSON, &req.InputContext); err != nil {
		return nil, err
	}
	return &req, nil
}
