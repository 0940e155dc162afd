package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/ayedb/ayb/internal/types"
)

// isUniqueViolation detects a unique-constraint conflict from either
// backend. SQLite reports constraint errors through the ncruces error type;
// PostgreSQL uses SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.CONSTRAINT
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// translateConflict maps a unique violation to the given domain kind and
// leaves other errors wrapped as storage failures.
func translateConflict(err error, kind types.ErrorKind, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return types.Errorf(kind, "%s already exists", what)
	}
	return types.Errorf(types.KindStorageError, "%s: %v", what, err)
}

// translateNotFound maps sql.ErrNoRows to RecordNotFound{kind}.
func translateNotFound(err error, recordKind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.RecordNotFound(recordKind, id)
	}
	return types.Errorf(types.KindStorageError, "looking up %s %s: %v", recordKind, id, err)
}

// storageErr wraps any other backend failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return types.Errorf(types.KindStorageError, "%s: %v", op, err)
}
