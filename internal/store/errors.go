package store

import (
	"errors"
	"fmt"
)

// Code is a machine-readable classification of a persistence failure.
// Callers branch on codes rather than error strings.
type Code string

const (
	// CodeUnknownEntity indicates a repository was requested for an entity
	// type that has no registered table.
	CodeUnknownEntity Code = "unknown_entity_type"

	// CodeEntityNotFound indicates an update targeted a missing record.
	CodeEntityNotFound Code = "entity_not_found"

	// CodeInvalidIdentifier indicates a table, filter or order-by key failed
	// safe-identifier validation before any SQL was issued.
	CodeInvalidIdentifier Code = "invalid_identifier"

	// CodeInvalidFilter indicates a malformed filter value (unparsable
	// timestamp, non-positive limit, negative offset).
	CodeInvalidFilter Code = "invalid_filter"

	// CodeTxBegin indicates the pool failed to begin a transaction.
	CodeTxBegin Code = "transaction_begin_failed"

	// CodeMigrationFailed indicates a migration's SQL failed to execute.
	CodeMigrationFailed Code = "migration_execution_failed"

	// CodeMigrationIntegrity indicates an already-applied migration's
	// checksum no longer matches its file content.
	CodeMigrationIntegrity Code = "migration_integrity_violation"

	// CodeDriverUnavailable indicates the manager has no usable pool.
	CodeDriverUnavailable Code = "driver_unavailable"
)

// Error is a persistence error carrying a machine-readable code and
// structured context for programmatic handling.
type Error struct {
	Code    Code
	Op      string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	for k, v := range e.Context {
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds an *Error with optional key/value context pairs.
func newError(code Code, op string, err error, kv ...any) *Error {
	e := &Error{Code: code, Op: op, Err: err}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Context[fmt.Sprint(kv[i])] = kv[i+1]
		}
	}
	return e
}

// CodeOf extracts the persistence code from err, or "" if err is not a
// store error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err is a store error with the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
