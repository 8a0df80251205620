// Package services is the typed store layer over PostgreSQL. Each service
// owns one aggregate (inbox, route inbox, registry, sessions, triage rules,
// approvals, scheduled tasks) and exposes operation-shaped methods with
// typed row structs. JSON↔struct codecs live at this boundary.
package services

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned on uniqueness conflicts.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConcurrentModification is returned when a guarded update matched
	// zero rows because another writer got there first.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
