// Package postgres provides PostgreSQL storage for versions and history.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/version"
)

// Postgres error codes consulted when classifying failures at the point
// they occur (never inferred from message text).
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// versionColumns lists columns returned by version SELECT queries.
var versionColumns = []string{
	"id", "version_number", "release_date", "mandatory", "active",
	"release_channel", "file_name", "file_size", "checksum",
	"download_locator", "minimum_client_version", "created_by", "created_at",
}

// Store implements version.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new PostgreSQL version store.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Insert persists a new version and assigns its ID.
func (s *Store) Insert(ctx context.Context, v *version.Version) error {
	query := `
		INSERT INTO versions
		(version_number, release_date, mandatory, active, release_channel, file_name, file_size, checksum, download_locator, minimum_client_version, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		v.VersionNumber, v.ReleaseDate, v.Mandatory, v.Active, v.ReleaseChannel,
		v.FileName, v.FileSize, v.Checksum, v.DownloadLocator,
		v.MinimumClientVersion, v.CreatedBy, v.CreatedAt,
	).Scan(&v.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Newf(apperr.KindDuplicateVersion,
				"version %s already exists", v.VersionNumber)
		}
		return fmt.Errorf("inserting version: %w", err)
	}
	return nil
}

// GetByNumber retrieves a version by number. Returns nil, nil if not found.
func (s *Store) GetByNumber(ctx context.Context, number string) (*version.Version, error) {
	query, args, err := psq.Select(versionColumns...).
		From("versions").
		Where(sq.Eq{"version_number": number}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building version query: %w", err)
	}

	v, err := scanVersion(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return v, err
}

// List returns versions matching the filter plus the unpaginated total.
func (s *Store) List(ctx context.Context, f version.Filter) ([]*version.Version, int, error) {
	base := psq.Select(versionColumns...).From("versions")
	count := psq.Select("COUNT(*)").From("versions")
	if f.Active != nil {
		base = base.Where(sq.Eq{"active": *f.Active})
		count = count.Where(sq.Eq{"active": *f.Active})
	}
	if f.Channel != "" {
		base = base.Where(sq.Eq{"release_channel": f.Channel})
		count = count.Where(sq.Eq{"release_channel": f.Channel})
	}

	countSQL, countArgs, err := count.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building count query: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting versions: %w", err)
	}

	base = base.OrderBy("release_date DESC", "id DESC")
	if f.Size > 0 {
		base = base.Limit(uint64(f.Size))
		if f.Page > 1 {
			base = base.Offset(uint64((f.Page - 1) * f.Size))
		}
	}

	query, args, err := base.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*version.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating version rows: %w", err)
	}
	return versions, total, nil
}

// Activate performs the transactional activation described by version.Store.
// The transaction runs serializable so interleaved activations can never
// commit a state with zero or two active versions.
func (s *Store) Activate(ctx context.Context, number string, action version.HistoryAction, initiator string) (*version.Version, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("beginning activation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	target, err := s.lockTarget(ctx, tx, number)
	if err != nil {
		return nil, err
	}

	var priorActive int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM versions WHERE active = TRUE AND id <> $1`, target.ID,
	).Scan(&priorActive); err != nil {
		return nil, classifyActivation(err, "checking active versions")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET active = FALSE WHERE active = TRUE`,
	); err != nil {
		return nil, classifyActivation(err, "deactivating versions")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET active = TRUE WHERE id = $1`, target.ID,
	); err != nil {
		return nil, classifyActivation(err, "activating version")
	}

	if action == "" {
		action = version.ActionUpdate
		if priorActive == 0 && !target.Active {
			action = version.ActionInstall
		}
	}

	rec := &version.HistoryRecord{
		ID:            uuid.NewString(),
		VersionID:     target.ID,
		VersionNumber: target.VersionNumber,
		Action:        action,
		Timestamp:     time.Now().UTC(),
		Success:       true,
		Initiator:     initiator,
	}
	if err := appendHistoryTx(ctx, tx, rec); err != nil {
		return nil, classifyActivation(err, "appending history")
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyActivation(err, "committing activation")
	}

	target.Active = true
	return target, nil
}

// lockTarget fetches the activation target under a row lock.
func (s *Store) lockTarget(ctx context.Context, tx *sql.Tx, number string) (*version.Version, error) {
	query, args, err := psq.Select(versionColumns...).
		From("versions").
		Where(sq.Eq{"version_number": number}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building target query: %w", err)
	}

	target, err := scanVersion(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "version %s not found", number)
	}
	if err != nil {
		return nil, classifyActivation(err, "locking target version")
	}
	return target, nil
}

// Delete removes a version unless it is currently active.
func (s *Store) Delete(ctx context.Context, number string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM versions WHERE version_number = $1 AND active = FALSE`, number)
	if err != nil {
		return fmt.Errorf("deleting version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing deleted: distinguish active-version conflict from not-found.
	v, err := s.GetByNumber(ctx, number)
	if err != nil {
		return err
	}
	if v == nil {
		return apperr.Newf(apperr.KindNotFound, "version %s not found", number)
	}
	return apperr.Newf(apperr.KindConflict,
		"version %s is the active version and cannot be deleted", number)
}

// CurrentActive returns the active version, preferring the most recent
// release when the exactly-one-active invariant has been violated.
func (s *Store) CurrentActive(ctx context.Context) (*version.Version, error) {
	query, args, err := psq.Select(versionColumns...).
		From("versions").
		Where(sq.Eq{"active": true}).
		OrderBy("release_date DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building active query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying active version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var active []*version.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active rows: %w", err)
	}

	switch {
	case len(active) == 0:
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for no active version
	case len(active) > 1:
		s.logger.Error("active-version invariant violated",
			"active_count", len(active),
			"chosen", active[0].VersionNumber)
	}
	return active[0], nil
}

// AppendHistory appends an immutable audit record.
func (s *Store) AppendHistory(ctx context.Context, rec *version.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := appendHistoryTx(ctx, s.db, rec); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for history inserts.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendHistoryTx(ctx context.Context, db execer, rec *version.HistoryRecord) error {
	query := `
		INSERT INTO version_history
		(id, version_id, version_number, action, timestamp, client_id, success, error_detail, duration_seconds, initiator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := db.ExecContext(ctx, query,
		rec.ID, rec.VersionID, rec.VersionNumber, string(rec.Action),
		rec.Timestamp, rec.ClientID, rec.Success, rec.ErrorDetail,
		rec.DurationSeconds, rec.Initiator,
	)
	return err
}

// ListHistory returns history records for a version, most recent first.
func (s *Store) ListHistory(ctx context.Context, number string, limit int) ([]*version.HistoryRecord, error) {
	qb := psq.Select(
		"id", "version_id", "version_number", "action", "timestamp",
		"client_id", "success", "error_detail", "duration_seconds", "initiator").
		From("version_history").
		Where(sq.Eq{"version_number": number}).
		OrderBy("timestamp DESC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*version.HistoryRecord
	for rows.Next() {
		var rec version.HistoryRecord
		var action string
		if err := rows.Scan(
			&rec.ID, &rec.VersionID, &rec.VersionNumber, &action,
			&rec.Timestamp, &rec.ClientID, &rec.Success, &rec.ErrorDetail,
			&rec.DurationSeconds, &rec.Initiator,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		rec.Action = version.HistoryAction(action)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return records, nil
}

// Close implements version.Store. The DB handle is owned by the caller.
func (s *Store) Close() error {
	return nil
}

var _ version.Store = (*Store)(nil)

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*version.Version, error) {
	var v version.Version
	err := row.Scan(
		&v.ID, &v.VersionNumber, &v.ReleaseDate, &v.Mandatory, &v.Active,
		&v.ReleaseChannel, &v.FileName, &v.FileSize, &v.Checksum,
		&v.DownloadLocator, &v.MinimumClientVersion, &v.CreatedBy, &v.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning version row: %w", err)
	}
	return &v, nil
}

// isUniqueViolation reports whether err is a postgres unique violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}

// classifyActivation maps transaction failures to the taxonomy: a
// serialization failure or deadlock means this activation lost a concurrent
// race; anything else is plumbing.
func classifyActivation(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) &&
		(pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected) {
		return apperr.Wrap(apperr.KindConcurrentActivation,
			"activation lost a concurrent activation race", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
