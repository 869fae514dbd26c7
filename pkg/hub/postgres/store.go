// Package postgres provides PostgreSQL storage for hub session records.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/update-hub/pkg/hub"
)

// Store implements hub.SessionStore using PostgreSQL, making connection
// history visible across nodes and restarts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new PostgreSQL session record store.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

var recordColumns = `id, client_id, app_version, platform, remote_addr, connected_at, last_seen_at, disconnected_at`

// Create persists a new record.
func (s *Store) Create(ctx context.Context, rec *hub.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connected_sessions
		(id, client_id, app_version, platform, remote_addr, connected_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ClientID, rec.AppVersion, rec.Platform,
		rec.RemoteAddr, rec.ConnectedAt, rec.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session record: %w", err)
	}
	return nil
}

// Touch updates LastSeenAt. Unknown ids are a no-op.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connected_sessions SET last_seen_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching session record: %w", err)
	}
	return nil
}

// MarkDisconnected stamps DisconnectedAt once; a second call keeps the
// original timestamp.
func (s *Store) MarkDisconnected(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connected_sessions
		SET disconnected_at = NOW()
		WHERE id = $1 AND disconnected_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking session disconnected: %w", err)
	}
	return nil
}

// ListConnected returns open records ordered by connect time.
func (s *Store) ListConnected(ctx context.Context) ([]*hub.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM connected_sessions
		WHERE disconnected_at IS NULL
		ORDER BY connected_at`)
	if err != nil {
		return nil, fmt.Errorf("listing connected sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*hub.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Cleanup removes disconnected records older than olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM connected_sessions
		WHERE disconnected_at IS NOT NULL
		  AND disconnected_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up session records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned session records: %w", err)
	}
	return removed, nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes old disconnected records. The goroutine is stopped when Close is
// called.
func (s *Store) StartCleanupRoutine(interval, olderThan time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Cleanup(ctx, olderThan)
				if err != nil {
					s.logger.Error("session record cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Debug("session records cleaned up", "count", removed)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine if one was started. The DB handle is
// owned by the caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*hub.SessionRecord, error) {
	var rec hub.SessionRecord
	var disconnectedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.ClientID, &rec.AppVersion, &rec.Platform,
		&rec.RemoteAddr, &rec.ConnectedAt, &rec.LastSeenAt, &disconnectedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning session record: %w", err)
	}
	if disconnectedAt.Valid {
		rec.DisconnectedAt = &disconnectedAt.Time
	}
	return &rec, nil
}

// Verify interface compliance.
var _ hub.SessionStore = (*Store)(nil)
