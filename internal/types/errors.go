package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of error kinds surfaced to clients. Kinds map
// to HTTP statuses in HTTPStatus and to the {"error_kind","message"}
// envelope at the server boundary.
type ErrorKind string

const (
	KindEntityExists           ErrorKind = "EntityExists"
	KindDatabaseExists         ErrorKind = "DatabaseExists"
	KindRecordNotFound         ErrorKind = "RecordNotFound"
	KindInvalidToken           ErrorKind = "InvalidToken"
	KindReadOnlyViolation      ErrorKind = "ReadOnlyViolation"
	KindNoAccess               ErrorKind = "NoAccess"
	KindReservedSlug           ErrorKind = "ReservedSlug"
	KindSnapshotDoesNotExist   ErrorKind = "SnapshotDoesNotExist"
	KindSnapshotError          ErrorKind = "SnapshotError"
	KindStorageError           ErrorKind = "StorageError"
	KindConfigurationError     ErrorKind = "ConfigurationError"
	KindCantSetOwnerPermission ErrorKind = "CantSetOwnerPermissions"
	KindQueryError             ErrorKind = "QueryError"
	KindDaemonCrashed          ErrorKind = "DaemonCrashed"
	KindIO                     ErrorKind = "IO"
	KindOther                  ErrorKind = "Other"
)

// Error is a kinded error. The message is client-visible; wrap anything
// sensitive before it reaches one of these.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RecordNotFound builds the standard not-found error for a record kind
// ("entity", "database", "api_token", ...).
func RecordNotFound(recordKind, id string) *Error {
	return &Error{Kind: KindRecordNotFound, Message: fmt.Sprintf("%s not found: %s", recordKind, id)}
}

// NoAccess is the uniform permission-denied error.
func NoAccess() *Error {
	return &Error{Kind: KindNoAccess, Message: "access denied"}
}

// InvalidToken is the uniform, non-leaking authentication failure.
func InvalidToken() *Error {
	return &Error{Kind: KindInvalidToken, Message: "invalid or expired token"}
}

// KindOf extracts the kind from an error chain, defaulting to Other.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindEntityExists, KindDatabaseExists:
		return http.StatusConflict
	case KindRecordNotFound, KindSnapshotDoesNotExist:
		return http.StatusNotFound
	case KindInvalidToken:
		return http.StatusUnauthorized
	case KindNoAccess:
		return http.StatusForbidden
	case KindReservedSlug, KindReadOnlyViolation, KindQueryError, KindCantSetOwnerPermission, KindOther:
		return http.StatusBadRequest
	case KindSnapshotError, KindStorageError, KindConfigurationError, KindDaemonCrashed, KindIO:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
