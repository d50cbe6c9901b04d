package postgres

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/change-control/backend/repositories"
)

// SQLSTATE codes the store reacts to
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// classifyError turns driver failures into the repository sentinels.
// Errors the caller cannot act on are wrapped with op and returned as is.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgUniqueViolation:
			return fmt.Errorf("%s: %w (%s)", op, repositories.ErrWriteConflict, pqErr.Message)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w (%s)", op, repositories.ErrNotFound, pqErr.Detail)
		}
	}

	if isConnectionError(err) {
		return fmt.Errorf("%s: database unreachable: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConnectionError reports whether err means the database could not be reached
func isConnectionError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
