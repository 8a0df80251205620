package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// ConnectorService tracks channel connector liveness: a registry row per
// connector plus an append-only heartbeat log on monthly partitions.
type ConnectorService struct {
	db *sql.DB
}

func NewConnectorService(db *sql.DB) *ConnectorService {
	if db == nil {
		panic("NewConnectorService: db must not be nil")
	}
	return &ConnectorService{db: db}
}

// Heartbeat upserts the connector's registry row and appends a log entry.
func (s *ConnectorService) Heartbeat(ctx context.Context, name string, channel models.Channel, endpointIdentity string, details map[string]any) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.connector_registry
			(connector_name, channel, endpoint_identity, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (connector_name) DO UPDATE
		SET channel = EXCLUDED.channel,
		    endpoint_identity = EXCLUDED.endpoint_identity,
		    last_seen_at = EXCLUDED.last_seen_at`,
		name, channel, endpointIdentity, now)
	if err != nil {
		return fmt.Errorf("upsert connector %s: %w", name, err)
	}

	detailsJSON, err := mustJSON(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.connector_heartbeat_log
			(id, received_at, connector_name, details)
		VALUES ($1, $2, $3, $4)`,
		newUUID(), now, name, detailsJSON)
	if err != nil {
		return fmt.Errorf("log connector heartbeat %s: %w", name, err)
	}
	return nil
}

// List returns every registered connector ordered by name.
func (s *ConnectorService) List(ctx context.Context) ([]*models.ConnectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_name, channel, endpoint_identity, last_seen_at
		FROM switchboard.connector_registry
		ORDER BY connector_name`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []*models.ConnectorRecord
	for rows.Next() {
		var rec models.ConnectorRecord
		if err := rows.Scan(&rec.ConnectorName, &rec.Channel, &rec.EndpointIdentity, &rec.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// RecentHeartbeats returns the newest log entries for one connector.
func (s *ConnectorService) RecentHeartbeats(ctx context.Context, name string, limit int) ([]*models.ConnectorHeartbeat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, connector_name, details
		FROM switchboard.connector_heartbeat_log
		WHERE connector_name = $1
		ORDER BY received_at DESC
		LIMIT $2`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("recent heartbeats for %s: %w", name, err)
	}
	defer rows.Close()

	var out []*models.ConnectorHeartbeat
	for rows.Next() {
		var (
			hb  models.ConnectorHeartbeat
			raw []byte
		)
		if err := rows.Scan(&hb.ID, &hb.ReceivedAt, &hb.ConnectorName, &raw); err != nil {
			return nil, err
		}
		if err := scanJSON(raw, &hb.Details); err != nil {
			return nil, err
		}
		out = append(out, &hb)
	}
	return out, rows.Err()
}
