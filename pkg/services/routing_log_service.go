package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RoutingLogService owns switchboard.routing_log, the audit trail of
// classifier and triage routing decisions.
type RoutingLogService struct {
	db *sql.DB
}

// NewRoutingLogService creates a routing log service.
func NewRoutingLogService(db *sql.DB) *RoutingLogService {
	if db == nil {
		panic("NewRoutingLogService: db must not be nil")
	}
	return &RoutingLogService{db: db}
}

// RoutingEntry is a row of switchboard.routing_log.
type RoutingEntry struct {
	ID           int64
	RequestID    string
	TargetButler string
	Prompt       string
	DecidedBy    string // classifier, triage, extraction
	Acked        bool
	RoutedAt     time.Time
}

// Record appends one routing decision.
func (s *RoutingLogService) Record(ctx context.Context, requestID, target, prompt, decidedBy string, acked bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.routing_log (request_id, target_butler, prompt, decided_by, acked)
		VALUES ($1, $2, $3, $4, $5)`,
		requestID, target, prompt, decidedBy, acked)
	if err != nil {
		return fmt.Errorf("record routing decision: %w", err)
	}
	return nil
}

// ForRequest returns the routing decisions recorded for one request.
func (s *RoutingLogService) ForRequest(ctx context.Context, requestID string) ([]*RoutingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, target_butler, prompt, decided_by, acked, routed_at
		FROM switchboard.routing_log
		WHERE request_id = $1
		ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list routing decisions: %w", err)
	}
	defer rows.Close()

	var out []*RoutingEntry
	for rows.Next() {
		var e RoutingEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.TargetButler, &e.Prompt,
			&e.DecidedBy, &e.Acked, &e.RoutedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
