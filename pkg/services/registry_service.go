package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// RegistryService owns switchboard.butler_registry and its eligibility log.
type RegistryService struct {
	db *sql.DB
}

// NewRegistryService creates a registry service.
func NewRegistryService(db *sql.DB) *RegistryService {
	if db == nil {
		panic("NewRegistryService: db must not be nil")
	}
	return &RegistryService{db: db}
}

// Get loads one registry row.
func (s *RegistryService) Get(ctx context.Context, butler string) (*models.ButlerRecord, error) {
	var rec models.ButlerRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM switchboard.butler_registry
		WHERE butler_name = $1`, butler).
		Scan(&rec.ButlerName, &rec.EndpointURL, &rec.LastSeenAt, &rec.Eligibility, &rec.EligibilityUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registry row: %w", err)
	}
	return &rec, nil
}

// Register upserts a registry row as active. New butlers start active;
// re-registration refreshes the endpoint without touching eligibility.
func (s *RegistryService) Register(ctx context.Context, butler, endpointURL string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.butler_registry
			(butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at)
		VALUES ($1, $2, now(), 'active', now())
		ON CONFLICT (butler_name) DO UPDATE
		SET endpoint_url = EXCLUDED.endpoint_url, last_seen_at = now()`,
		butler, endpointURL)
	if err != nil {
		return fmt.Errorf("register butler %s: %w", butler, err)
	}
	return nil
}

// TouchLastSeen refreshes last_seen_at without changing eligibility.
// Returns ErrNotFound when the butler was never registered.
func (s *RegistryService) TouchLastSeen(ctx context.Context, butler string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.butler_registry
		SET last_seen_at = now()
		WHERE butler_name = $1`, butler)
	if err != nil {
		return fmt.Errorf("touch last_seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition moves a butler between eligibility states with a CAS on the
// expected previous state, logging the change. Zero rows updated means
// another writer transitioned first; the caller re-reads and decides.
func (s *RegistryService) Transition(ctx context.Context, butler string, from, to models.EligibilityState, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE switchboard.butler_registry
		SET eligibility_state = $3, eligibility_updated_at = now(), last_seen_at = now()
		WHERE butler_name = $1 AND eligibility_state = $2`,
		butler, from, to)
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: %w", butler, from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO switchboard.butler_registry_eligibility_log
			(butler_name, previous_state, new_state, reason)
		VALUES ($1, $2, $3, $4)`,
		butler, from, to, reason); err != nil {
		return fmt.Errorf("log eligibility transition: %w", err)
	}
	return tx.Commit()
}

// SweepStale demotes butlers in bulk:
//   - active rows unseen for staleAfter become stale;
//   - stale rows unseen for quarantineAfter become quarantined.
//
// Each demotion is logged. Returns the affected butler names per step.
func (s *RegistryService) SweepStale(ctx context.Context, staleAfter, quarantineAfter time.Duration) (staled, quarantined []string, err error) {
	staled, err = s.sweepStep(ctx,
		models.EligibilityActive, models.EligibilityStale,
		models.ReasonHeartbeatMissed, staleAfter)
	if err != nil {
		return nil, nil, err
	}
	quarantined, err = s.sweepStep(ctx,
		models.EligibilityStale, models.EligibilityQuarantined,
		models.ReasonStaleTimeout, quarantineAfter)
	if err != nil {
		return staled, nil, err
	}
	return staled, quarantined, nil
}

func (s *RegistryService) sweepStep(ctx context.Context, from, to models.EligibilityState, reason string, after time.Duration) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE switchboard.butler_registry
		SET eligibility_state = $2, eligibility_updated_at = now()
		WHERE eligibility_state = $1 AND last_seen_at < now() - $3::interval
		RETURNING butler_name`,
		from, to, pgInterval(after))
	if err != nil {
		return nil, fmt.Errorf("sweep %s->%s: %w", from, to, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO switchboard.butler_registry_eligibility_log
				(butler_name, previous_state, new_state, reason)
			VALUES ($1, $2, $3, $4)`,
			name, from, to, reason); err != nil {
			return nil, fmt.Errorf("log sweep transition: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return names, nil
}

// ListEligible returns butlers routable right now: active always, stale
// only when allowStale is set. Quarantined butlers are never returned.
func (s *RegistryService) ListEligible(ctx context.Context, allowStale bool) ([]*models.ButlerRecord, error) {
	states := []any{models.EligibilityActive}
	query := `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM switchboard.butler_registry
		WHERE eligibility_state = $1
		ORDER BY butler_name`
	if allowStale {
		states = append(states, models.EligibilityStale)
		query = `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM switchboard.butler_registry
		WHERE eligibility_state IN ($1, $2)
		ORDER BY butler_name`
	}
	rows, err := s.db.QueryContext(ctx, query, states...)
	if err != nil {
		return nil, fmt.Errorf("list eligible butlers: %w", err)
	}
	defer rows.Close()

	var out []*models.ButlerRecord
	for rows.Next() {
		var rec models.ButlerRecord
		if err := rows.Scan(&rec.ButlerName, &rec.EndpointURL, &rec.LastSeenAt,
			&rec.Eligibility, &rec.EligibilityUpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Transitions returns the most recent eligibility log entries for a butler,
// newest first.
func (s *RegistryService) Transitions(ctx context.Context, butler string, limit int) ([]*models.EligibilityTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, butler_name, previous_state, new_state, reason, transitioned_at
		FROM switchboard.butler_registry_eligibility_log
		WHERE butler_name = $1
		ORDER BY transitioned_at DESC, id DESC
		LIMIT $2`, butler, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligibility transitions: %w", err)
	}
	defer rows.Close()

	var out []*models.EligibilityTransition
	for rows.Next() {
		var tr models.EligibilityTransition
		if err := rows.Scan(&tr.ID, &tr.ButlerName, &tr.PreviousState,
			&tr.NewState, &tr.Reason, &tr.TransitionedAt); err != nil {
			return nil, err
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}
