// Package download coordinates resumable package transfers: per-client
// download sessions, rate-limited admission, resume-offset arbitration,
// analytics emission, and the stale-session sweep.
package download

import (
	"context"
	"time"
)

// Status is a download session's lifecycle state. COMPLETED and FAILED are
// terminal.
type Status string

const (
	// StatusStarted is a session created but not yet serving bytes.
	StatusStarted Status = "STARTED"

	// StatusInProgress is a session that has served at least one byte.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted is a session whose transfer reached the final byte.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is a session that errored or went stale.
	StatusFailed Status = "FAILED"
)

// Session tracks one client's transfer of one version. Progress updates are
// concurrent with retries, so stores must apply them atomically.
type Session struct {
	ID               int64      `json:"id"`
	VersionID        int64      `json:"version_id"`
	VersionNumber    string     `json:"version_number"`
	ClientID         string     `json:"client_id"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	Status           Status     `json:"status"`
	BytesTransferred int64      `json:"bytes_transferred"`
	ClientIP         string     `json:"client_ip,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
	Attempts         int        `json:"attempts"`
}

// Store defines persistence for download sessions.
type Store interface {
	// GetOrCreate returns the session for (clientID, versionID), creating it
	// on first request. An existing non-terminal session has its attempt
	// counter bumped; recorded bytes are never reset by this call.
	GetOrCreate(ctx context.Context, clientID string, versionID int64, versionNumber, clientIP, userAgent string) (*Session, error)

	// RecordProgress raises the session's transferred-byte watermark. The
	// watermark is monotonic: a lower value never overwrites a higher one.
	RecordProgress(ctx context.Context, id int64, bytesTransferred int64) error

	// MarkCompleted transitions the session to COMPLETED.
	MarkCompleted(ctx context.Context, id int64, bytesTransferred int64) error

	// MarkFailed transitions the session to FAILED.
	MarkFailed(ctx context.Context, id int64) error

	// SweepStale marks non-terminal sessions idle longer than staleAfter as
	// FAILED, returning how many were reclassified.
	SweepStale(ctx context.Context, staleAfter time.Duration) (int64, error)

	// Close releases resources.
	Close() error
}
