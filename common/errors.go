package common

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

type ErrorCode int

const (
	// DuplicateObjectError indicates an attempt to create a table, index, or
	// view that already exists in the catalog.
	DuplicateObjectError ErrorCode = iota
	// NoSuchObjectError indicates a request for a table, index, or view that
	// does not exist in the catalog.
	NoSuchObjectError
	// ActiveTransactionError rejects maintenance that requires autocommit
	// mode while a transaction is open on the connection.
	ActiveTransactionError
	// ActiveStatementError rejects maintenance while another statement or
	// cursor is still running on the connection.
	ActiveStatementError
	// TempTargetError rejects maintenance aimed at the session-local
	// temporary database.
	TempTargetError
	// DestinationExistsError rejects a rebuild-into whose destination path
	// already exists as a non-empty file.
	DestinationExistsError
	// VersionStoreError rejects maintenance while the multi-version store
	// still holds unflushed row versions.
	VersionStoreError
	// BusyError is returned when a lock cannot be acquired within the
	// configured busy timeout.
	BusyError
	// CorruptError indicates on-disk state that fails a structural check.
	CorruptError
	// ConstraintError indicates a uniqueness violation on insert.
	ConstraintError
)

func (ec ErrorCode) String() string {
	switch ec {
	case DuplicateObjectError:
		return "DuplicateObjectError"
	case NoSuchObjectError:
		return "NoSuchObjectError"
	case ActiveTransactionError:
		return "ActiveTransactionError"
	case ActiveStatementError:
		return "ActiveStatementError"
	case TempTargetError:
		return "TempTargetError"
	case DestinationExistsError:
		return "DestinationExistsError"
	case VersionStoreError:
		return "VersionStoreError"
	case BusyError:
		return "BusyError"
	case CorruptError:
		return "CorruptError"
	case ConstraintError:
		return "ConstraintError"
	}
	return "unknown"
}

// DBError is the coded error type for the engine. It wraps an ErrorCode
// with a detailed message so callers can branch on the category while the
// message stays human-readable.
type DBError struct {
	Code      ErrorCode
	ErrString string
}

func (e DBError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// NewError builds a coded DBError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) DBError {
	return DBError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// ErrorHasCode reports whether err (or anything it wraps) is a DBError
// carrying the given code.
func ErrorHasCode(err error, code ErrorCode) bool {
	var dbe DBError
	if errors.As(err, &dbe) {
		return dbe.Code == code
	}
	return false
}
