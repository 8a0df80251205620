package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// InboxService owns switchboard.message_inbox.
type InboxService struct {
	db *sql.DB
}

// NewInboxService creates an inbox service.
func NewInboxService(db *sql.DB) *InboxService {
	if db == nil {
		panic("NewInboxService: db must not be nil")
	}
	return &InboxService{db: db}
}

const inboxColumns = `id, received_at, request_context, raw_payload, normalized_text,
	direction, lifecycle_state, final_state_at, schema_version, attachments, processing_metadata`

// InsertResult reports the outcome of an inbox insert.
type InsertResult struct {
	RequestID string
	Duplicate bool
}

// Insert writes an inbox row. When the dedupe key collides within the
// month partition, the existing row's id is returned with Duplicate=true
// and nothing is written.
func (s *InboxService) Insert(ctx context.Context, msg *models.InboxMessage) (*InsertResult, error) {
	ctxJSON, err := mustJSON(msg.Context)
	if err != nil {
		return nil, err
	}
	var rawJSON []byte
	if msg.RawPayload != nil {
		if rawJSON, err = mustJSON(msg.RawPayload); err != nil {
			return nil, err
		}
	}
	attJSON, err := mustJSON(msg.Attachments)
	if err != nil {
		return nil, err
	}
	if msg.Attachments == nil {
		attJSON = []byte(`[]`)
	}
	procJSON, err := mustJSON(msg.Processing)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.message_inbox
			(id, received_at, request_context, dedupe_key, raw_payload, normalized_text,
			 direction, lifecycle_state, final_state_at, schema_version, attachments, processing_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ReceivedAt, ctxJSON, nullString(msg.Context.DedupeKey), rawJSON,
		msg.NormalizedText, msg.Direction, msg.Lifecycle, nullTime(msg.FinalStateAt),
		msg.SchemaVersion, attJSON, procJSON,
	)
	if err != nil {
		if isUniqueViolation(err) && msg.Context.DedupeKey != "" {
			existing, lookupErr := s.findByDedupeKey(ctx, msg.Context.DedupeKey, msg.ReceivedAt)
			if lookupErr != nil {
				return nil, fmt.Errorf("duplicate detected but lookup failed: %w", lookupErr)
			}
			return &InsertResult{RequestID: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("insert inbox row: %w", err)
	}
	return &InsertResult{RequestID: msg.ID}, nil
}

// findByDedupeKey returns the id of the row holding key within the month
// of ts.
func (s *InboxService) findByDedupeKey(ctx context.Context, key string, ts time.Time) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM switchboard.message_inbox
		WHERE dedupe_key = $1
		  AND received_at >= date_trunc('month', $2::timestamptz)
		  AND received_at < date_trunc('month', $2::timestamptz) + interval '1 month'`,
		key, ts,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// Get loads one inbox row by id.
func (s *InboxService) Get(ctx context.Context, id string) (*models.InboxMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+inboxColumns+` FROM switchboard.message_inbox WHERE id = $1`, id)
	msg, err := scanInboxRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

// MarkLifecycle transitions a row's lifecycle state. Terminal states also
// stamp final_state_at.
func (s *InboxService) MarkLifecycle(ctx context.Context, id string, state models.LifecycleState) error {
	var res sql.Result
	var err error
	if state.Terminal() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE switchboard.message_inbox
			SET lifecycle_state = $2, final_state_at = now()
			WHERE id = $1`, id, state)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE switchboard.message_inbox
			SET lifecycle_state = $2
			WHERE id = $1`, id, state)
	}
	if err != nil {
		return fmt.Errorf("mark lifecycle %s: %w", state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanStaleAccepted returns up to limit inbound rows still in accepted
// older than cutoff, oldest first. Used by the buffer's recovery scanner.
func (s *InboxService) ScanStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*models.InboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+`
		FROM switchboard.message_inbox
		WHERE lifecycle_state = 'accepted'
		  AND direction = 'inbound'
		  AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scan stale accepted: %w", err)
	}
	defer rows.Close()
	return scanInboxRows(rows)
}

// ThreadHistory loads recent conversation history for a thread scope,
// both directions, oldest first. The window and the message count are
// alternative bounds: whichever admits more messages wins, so the query
// takes everything inside the window plus enough older messages to reach
// the count.
//
// scope is either a full thread identity (email) or a chat id (Telegram,
// where per-message identities are "chat_id:message_id" and history is
// grouped by the chat prefix).
func (s *InboxService) ThreadHistory(ctx context.Context, scope string, window time.Duration, limit int) ([]*models.InboxMessage, error) {
	// The prefix pattern is escaped so a scope containing % or _ matches
	// literally.
	pattern := escapeLike(scope) + ":%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+`
		FROM switchboard.message_inbox
		WHERE (request_context->>'source_thread_identity' = $1
		       OR request_context->>'source_thread_identity' LIKE $2)
		  AND lifecycle_state <> 'metadata_ref'
		ORDER BY received_at DESC
		LIMIT $3`,
		scope, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("thread history: %w", err)
	}
	byCount, err := func() ([]*models.InboxMessage, error) {
		defer rows.Close()
		return scanInboxRows(rows)
	}()
	if err != nil {
		return nil, err
	}

	// When the window holds more than `limit` messages, re-fetch by window.
	cutoff := time.Now().Add(-window)
	if len(byCount) == limit && len(byCount) > 0 && byCount[len(byCount)-1].ReceivedAt.After(cutoff) {
		wrows, err := s.db.QueryContext(ctx, `
			SELECT `+inboxColumns+`
			FROM switchboard.message_inbox
			WHERE (request_context->>'source_thread_identity' = $1
			       OR request_context->>'source_thread_identity' LIKE $2)
			  AND lifecycle_state <> 'metadata_ref'
			  AND received_at >= $3
			ORDER BY received_at DESC`,
			scope, pattern, cutoff)
		if err != nil {
			return nil, fmt.Errorf("thread history by window: %w", err)
		}
		defer wrows.Close()
		if byCount, err = scanInboxRows(wrows); err != nil {
			return nil, err
		}
	}

	// Reverse to chronological order.
	for i, j := 0, len(byCount)-1; i < j; i, j = i+1, j-1 {
		byCount[i], byCount[j] = byCount[j], byCount[i]
	}
	return byCount, nil
}

// InsertOutbound records a butler reply as an outbound row so history
// stays symmetric. The request context is copied from the inbound message
// with the sender identity replaced by the butler name.
func (s *InboxService) InsertOutbound(ctx context.Context, inbound models.RequestContext, butler, text string) (string, error) {
	outCtx := inbound
	outCtx.SourceSenderIdentity = butler
	outCtx.DedupeKey = "" // replies are never deduped against their trigger

	now := time.Now().UTC()
	id := newUUID()
	outCtx.RequestID = id
	outCtx.ReceivedAt = now

	ctxJSON, err := mustJSON(outCtx)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.message_inbox
			(id, received_at, request_context, normalized_text, direction,
			 lifecycle_state, final_state_at, schema_version, attachments, processing_metadata)
		VALUES ($1, $2, $3, $4, 'outbound', 'completed', now(), 'ingest.v1', '[]', '{}')`,
		id, now, ctxJSON, text)
	if err != nil {
		return "", fmt.Errorf("insert outbound row: %w", err)
	}
	return id, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInboxRow(row rowScanner) (*models.InboxMessage, error) {
	var (
		msg      models.InboxMessage
		ctxJSON  []byte
		rawJSON  []byte
		attJSON  []byte
		procJSON []byte
		finalAt  sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.ReceivedAt, &ctxJSON, &rawJSON, &msg.NormalizedText,
		&msg.Direction, &msg.Lifecycle, &finalAt, &msg.SchemaVersion, &attJSON, &procJSON)
	if err != nil {
		return nil, err
	}
	msg.FinalStateAt = timePtr(finalAt)
	if err := scanJSON(ctxJSON, &msg.Context); err != nil {
		return nil, err
	}
	if len(rawJSON) > 0 {
		if err := scanJSON(rawJSON, &msg.RawPayload); err != nil {
			return nil, err
		}
	}
	if err := scanJSON(attJSON, &msg.Attachments); err != nil {
		return nil, err
	}
	if err := scanJSON(procJSON, &msg.Processing); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanInboxRows(rows *sql.Rows) ([]*models.InboxMessage, error) {
	var out []*models.InboxMessage
	for rows.Next() {
		msg, err := scanInboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
