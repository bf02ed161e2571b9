// Package apperrors defines the typed error kinds surfaced at SiteVault
// component boundaries. Orchestrators return these; the command layer maps
// them onto process exit codes and operator-facing messages.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindConfiguration covers invalid or forbidding configuration, such as
	// restores being disabled or a destination override on a remote backend.
	KindConfiguration Kind = "configuration"
	// KindNotFound covers missing snapshots and unknown tenants.
	KindNotFound Kind = "not_found"
	// KindTransport covers upload/download failures against a storage backend.
	KindTransport Kind = "transport"
	// KindCorruptArchive covers snapshot packages that fail integrity checks.
	KindCorruptArchive Kind = "corrupt_archive"
	// KindDump covers dump-producer failures during backup.
	KindDump Kind = "dump"
	// KindMigration covers store-side failures while applying a dump.
	KindMigration Kind = "migration"
	// KindColumnLength covers remap replacements that would exceed a column's
	// maximum length.
	KindColumnLength Kind = "column_length_violation"
	// KindRemap covers any other store-level remap failure.
	KindRemap Kind = "remap"
	// KindNoPriorState covers rollback attempts with no recorded prior state.
	KindNoPriorState Kind = "no_prior_state"
)

// Error is a kind-tagged error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel conditions checked with errors.Is by callers and tests.
var (
	ErrFilenameMissing = New(KindConfiguration, "no snapshot filename was given and none could be resolved")
	ErrRestoreDisabled = New(KindConfiguration, "restoring snapshots is disabled on this site")
	ErrNoPriorState    = New(KindNoPriorState, "no previous database state is recorded")
)

// Configuration creates a configuration error with a formatted message.
func Configuration(format string, args ...interface{}) *Error {
	return Newf(KindConfiguration, format, args...)
}

// NotFound creates a not-found error with a formatted message.
func NotFound(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

// Transport creates a transport error around a cause.
func Transport(message string, cause error) *Error {
	return Wrap(KindTransport, message, cause)
}

// CorruptArchive creates a corrupt-archive error.
func CorruptArchive(format string, args ...interface{}) *Error {
	return Newf(KindCorruptArchive, format, args...)
}

// Dump creates a dump-producer error around a cause.
func Dump(message string, cause error) *Error {
	return Wrap(KindDump, message, cause)
}

// Migration creates a store-apply error around a cause.
func Migration(message string, cause error) *Error {
	return Wrap(KindMigration, message, cause)
}

// ColumnLength creates a length-violation error for a specific column.
func ColumnLength(table, column string, maxLength int64) *Error {
	return Newf(KindColumnLength,
		"replacement text exceeds maximum length %d of %s.%s", maxLength, table, column)
}

// Remap creates a remap error around a cause.
func Remap(message string, cause error) *Error {
	return Wrap(KindRemap, message, cause)
}

// KindOf returns the kind of err, or the empty kind for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return IsKind(err, KindConfiguration)
}

// IsColumnLengthViolation reports whether err is a length-violation error.
func IsColumnLengthViolation(err error) bool {
	return IsKind(err, KindColumnLength)
}

// IsCorruptArchive reports whether err is a corrupt-archive error.
func IsCorruptArchive(err error) bool {
	return IsKind(err, KindCorruptArchive)
}
