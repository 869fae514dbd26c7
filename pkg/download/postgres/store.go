// Package postgres provides PostgreSQL storage for download sessions.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/txn2/update-hub/pkg/download"
)

// Store implements download.Store using PostgreSQL. All mutations are
// single-statement read-modify-writes, so concurrent progress updates for
// one session never lose the higher watermark.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL download session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var sessionColumns = `id, version_id, version_number, client_id, started_at, completed_at, last_activity_at, status, bytes_transferred, client_ip, user_agent, attempts`

// GetOrCreate returns the session for (clientID, versionID), creating it on
// first request. The upsert bumps the attempt counter on an existing
// session and revives a non-completed one to IN_PROGRESS without touching
// its byte watermark.
func (s *Store) GetOrCreate(ctx context.Context, clientID string, versionID int64, versionNumber, clientIP, userAgent string) (*download.Session, error) {
	query := `
		INSERT INTO download_sessions AS ds
		(version_id, version_number, client_id, started_at, last_activity_at, status, bytes_transferred, client_ip, user_agent, attempts)
		VALUES ($1, $2, $3, NOW(), NOW(), $4, 0, $5, $6, 0)
		ON CONFLICT (client_id, version_id) DO UPDATE SET
			attempts = ds.attempts + 1,
			last_activity_at = NOW(),
			client_ip = $5,
			user_agent = $6,
			status = CASE WHEN ds.status = $7 THEN ds.status ELSE $8 END
		RETURNING ` + sessionColumns
	row := s.db.QueryRowContext(ctx, query,
		versionID, versionNumber, clientID,
		string(download.StatusStarted), clientIP, userAgent,
		string(download.StatusCompleted), string(download.StatusInProgress),
	)
	return scanSession(row)
}

// RecordProgress raises the transferred-byte watermark; GREATEST keeps it
// monotonic under concurrent updates.
func (s *Store) RecordProgress(ctx context.Context, id int64, bytesTransferred int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_sessions
		SET bytes_transferred = GREATEST(bytes_transferred, $2),
		    status = $3,
		    last_activity_at = NOW()
		WHERE id = $1`,
		id, bytesTransferred, string(download.StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("recording download progress: %w", err)
	}
	return nil
}

// MarkCompleted transitions the session to COMPLETED.
func (s *Store) MarkCompleted(ctx context.Context, id int64, bytesTransferred int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_sessions
		SET status = $2,
		    bytes_transferred = GREATEST(bytes_transferred, $3),
		    completed_at = NOW(),
		    last_activity_at = NOW()
		WHERE id = $1`,
		id, string(download.StatusCompleted), bytesTransferred,
	)
	if err != nil {
		return fmt.Errorf("marking download completed: %w", err)
	}
	return nil
}

// MarkFailed transitions the session to FAILED.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_sessions
		SET status = $2,
		    completed_at = NOW(),
		    last_activity_at = NOW()
		WHERE id = $1`,
		id, string(download.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("marking download failed: %w", err)
	}
	return nil
}

// SweepStale reclassifies non-terminal sessions idle past staleAfter.
func (s *Store) SweepStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_sessions
		SET status = $1, completed_at = NOW()
		WHERE status IN ($2, $3)
		  AND last_activity_at < NOW() - $4::interval`,
		string(download.StatusFailed),
		string(download.StatusStarted),
		string(download.StatusInProgress),
		fmt.Sprintf("%d seconds", int64(staleAfter.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale download sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept sessions: %w", err)
	}
	return affected, nil
}

// Close implements download.Store. The DB handle is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*download.Session, error) {
	var sess download.Session
	var status string
	var completedAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.VersionID, &sess.VersionNumber, &sess.ClientID,
		&sess.StartedAt, &completedAt, &sess.LastActivityAt, &status,
		&sess.BytesTransferred, &sess.ClientIP, &sess.UserAgent, &sess.Attempts,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning download session: %w", err)
	}
	sess.Status = download.Status(status)
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

// Verify interface compliance.
var _ download.Store = (*Store)(nil)
