package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/relay-api/internal/store"
)

// SQLSTATE codes the stores translate.
const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
	notNullViolationCode    = "23502"
)

// MapError translates driver errors into store sentinels. Constraint
// failures keep only the constraint or column name; the server message,
// detail and hint are dropped since they may echo row values such as
// callback URLs. Unmapped errors pass through.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolationCode:
		return fmt.Errorf("%w: unique constraint %s", store.ErrDuplicate, pgErr.ConstraintName)
	case foreignKeyViolationCode:
		return fmt.Errorf("%w: foreign key %s", store.ErrInvalidEntity, pgErr.ConstraintName)
	case checkViolationCode:
		return fmt.Errorf("%w: check constraint %s", store.ErrInvalidEntity, pgErr.ConstraintName)
	case notNullViolationCode:
		return fmt.Errorf("%w: column %s is required", store.ErrInvalidEntity, pgErr.ColumnName)
	default:
		return err
	}
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// MapUniqueViolation names the entity in a unique violation, for example a
// second task claiming an upstream id that is already taken. Other errors go
// through MapError.
func MapUniqueViolation(err error, entity string) error {
	if !IsUniqueViolation(err) {
		return MapError(err)
	}
	var pgErr *pgconn.PgError
	errors.As(err, &pgErr)
	return fmt.Errorf("%w: %s already exists (%s)", store.ErrDuplicate, entity, pgErr.ConstraintName)
}

// CheckRowsAffected returns store.ErrNotFound, naming entity, when an update
// touched no rows.
func CheckRowsAffected(result sql.Result, entity string) error {
	if result == nil {
		return errors.New("nil result provided to CheckRowsAffected")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, entity)
	}
	return nil
}
