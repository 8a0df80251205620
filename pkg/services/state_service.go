package services

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
)

// StateService owns one butler's state and butler_secrets tables.
type StateService struct {
	db     *sql.DB
	schema string
}

// NewStateService creates a state service for the named butler's schema.
func NewStateService(db *sql.DB, butler string) *StateService {
	if db == nil {
		panic("NewStateService: db must not be nil")
	}
	return &StateService{db: db, schema: "butler_" + butler}
}

// GetState reads a state value into dst; ErrNotFound when the key is absent.
func (s *StateService) GetState(ctx context.Context, key string, dst any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+s.schema+`.state WHERE key = $1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get state %s: %w", key, err)
	}
	return scanJSON(raw, dst)
}

// SetState upserts a state value.
func (s *StateService) SetState(ctx context.Context, key string, value any) error {
	raw, err := mustJSON(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.schema+`.state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// envNamePattern is the allow-list for secret names exported into the
// runtime subprocess environment.
var envNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// PutSecret upserts one secret. Names must be valid environment variable
// names so they can be exported to the runtime.
func (s *StateService) PutSecret(ctx context.Context, name, value string) error {
	if !envNamePattern.MatchString(name) {
		return NewValidationError("name", fmt.Sprintf("%q is not a valid env var name", name))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.schema+`.butler_secrets (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		name, value)
	if err != nil {
		return fmt.Errorf("put secret %s: %w", name, err)
	}
	return nil
}

// SecretEnv returns all stored secrets as KEY=value pairs, merging in any
// allow-listed names from the process environment. Stored values win over
// process values on collision.
func (s *StateService) SecretEnv(ctx context.Context, allowed []string) ([]string, error) {
	env := map[string]string{}
	for _, name := range allowed {
		if !envNamePattern.MatchString(name) {
			return nil, NewValidationError("credential_env", fmt.Sprintf("%q is not a valid env var name", name))
		}
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM `+s.schema+`.butler_secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		env[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out, nil
}
