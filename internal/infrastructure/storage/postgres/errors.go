package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"farmledger/internal/core/apperror"
)

// SQLSTATE codes that mean "another transaction got in the way".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
	sqlStateCheckViolation       = "23514"
)

// classify maps PostgreSQL errors to application errors. Errors that are
// already AppErrors pass through unchanged.
func classify(err error) error {
	if err == nil || apperror.IsAppError(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
		return apperror.NewConcurrencyConflict(pgErr.TableName, pgErr.ConstraintName).WithCause(err)
	case sqlStateCheckViolation:
		// Non-negativity is also enforced by CHECK constraints; tripping one means
		// the in-memory checks and the stored row disagree.
		return apperror.NewConstraintMismatch(pgErr.TableName, pgErr.ConstraintName, err)
	}
	return err
}

// IsUniqueViolation reports a duplicate key error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}
