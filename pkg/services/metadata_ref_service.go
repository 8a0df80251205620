package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// MetadataRefService stores the audit pointers written for Tier 2 email
// ingestion, so the original message can be fetched on demand.
type MetadataRefService struct {
	db *sql.DB
}

func NewMetadataRefService(db *sql.DB) *MetadataRefService {
	if db == nil {
		panic("NewMetadataRefService: db must not be nil")
	}
	return &MetadataRefService{db: db}
}

// Insert records one metadata ref.
func (s *MetadataRefService) Insert(ctx context.Context, ref *models.EmailMetadataRef) error {
	if ref.ID == "" {
		ref.ID = newUUID()
	}
	if ref.ReceivedAt.IsZero() {
		ref.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.email_metadata_refs
			(id, request_id, external_event_id, mailbox, subject, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ref.ID, ref.RequestID, ref.ExternalEventID, ref.Mailbox, ref.Subject, ref.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert email metadata ref: %w", err)
	}
	return nil
}

// ForRequest returns the refs recorded for one request id.
func (s *MetadataRefService) ForRequest(ctx context.Context, requestID string) ([]*models.EmailMetadataRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, external_event_id, mailbox, subject, received_at
		FROM switchboard.email_metadata_refs
		WHERE request_id = $1
		ORDER BY received_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("metadata refs for %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []*models.EmailMetadataRef
	for rows.Next() {
		var ref models.EmailMetadataRef
		if err := rows.Scan(&ref.ID, &ref.RequestID, &ref.ExternalEventID,
			&ref.Mailbox, &ref.Subject, &ref.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, &ref)
	}
	return out, rows.Err()
}
