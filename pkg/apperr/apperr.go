// Package apperr defines the closed error taxonomy for the update hub.
// Errors are tagged with a Kind at the point of failure so callers never
// have to infer meaning from message text. The API layer maps kinds to
// HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a category of failure.
type Kind string

const (
	// KindValidation is malformed input: bad metadata, bad semver, bad params.
	KindValidation Kind = "validation"

	// KindInvalidMime is an upload whose declared type is not allow-listed.
	KindInvalidMime Kind = "invalid_mime_type"

	// KindCorruptArchive is an upload that cannot be read as an archive.
	KindCorruptArchive Kind = "corrupt_archive"

	// KindEntryCountExceeded is an archive with more entries than permitted.
	KindEntryCountExceeded Kind = "entry_count_exceeded"

	// KindManifestMissing is an archive lacking a required manifest entry.
	KindManifestMissing Kind = "manifest_missing"

	// KindSuspiciousContent is an archive with traversal or disallowed paths.
	KindSuspiciousContent Kind = "suspicious_content"

	// KindSizeExceeded is an upload or manifest over its size bound.
	KindSizeExceeded Kind = "size_exceeded"

	// KindNotFound is an unknown version, session, or package.
	KindNotFound Kind = "not_found"

	// KindDuplicateVersion is an insert of an already-published version number.
	KindDuplicateVersion Kind = "duplicate_version"

	// KindConcurrentActivation is an activation that lost a concurrent race.
	KindConcurrentActivation Kind = "concurrent_activation_conflict"

	// KindConflict is any other state conflict, e.g. deleting the active version.
	KindConflict Kind = "conflict"

	// KindRateLimited is an admission denial; the error carries a retry-after.
	KindRateLimited Kind = "rate_limit_exceeded"

	// KindAuth is a credential rejection at handshake or on an admin call.
	KindAuth Kind = "auth_error"

	// KindTransport is a mid-stream I/O failure on a live connection.
	KindTransport Kind = "transport_error"

	// KindInternal is anything that escaped the closed set above.
	KindInternal Kind = "internal"
)

// Error is a kinded error. Detail is human-readable; Kind is machine-readable.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter time.Duration
	wrapped    error
}

// New creates an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an Error with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, wrapped: err}
}

// RateLimited creates a rate-limit denial carrying a retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Detail:     "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// KindOf returns the Kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API layer should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidMime, KindCorruptArchive,
		KindEntryCountExceeded, KindManifestMissing,
		KindSuspiciousContent, KindSizeExceeded:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateVersion, KindConcurrentActivation, KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindAuth:
		return http.StatusUnauthorized
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
