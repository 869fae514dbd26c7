// Package postgres provides PostgreSQL-backed rate-limit buckets. The
// check-and-increment runs as a single upsert statement so concurrent
// callers across processes never lose updates. This is the store to use
// when the hub runs on more than one node.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/update-hub/pkg/ratelimit"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements ratelimit.Limiter against PostgreSQL.
type Store struct {
	db      *sql.DB
	configs map[ratelimit.Category]ratelimit.CategoryConfig

	// now is swappable for tests.
	now func() time.Time
}

// New creates the store. Categories absent from configs use defaults.
func New(db *sql.DB, configs map[ratelimit.Category]ratelimit.CategoryConfig) *Store {
	merged := ratelimit.DefaultConfigs()
	for cat, cfg := range configs {
		merged[cat] = cfg
	}
	return &Store{db: db, configs: merged, now: time.Now}
}

// checkQuery folds the whole fixed-window state machine into one upsert:
// an unexpired block is left untouched, an elapsed window resets the count
// to 1, and exceeding the limit sets the block and bumps the violation
// counter. The row comes back so the caller can build the decision.
const checkQuery = `
	INSERT INTO rate_limit_buckets AS b
	(client_id, category, window_start, request_count, blocked_until, total_allowed, total_blocked, violation_count)
	VALUES ($1, $2, $3, 1, NULL, 1, 0, 0)
	ON CONFLICT (client_id, category) DO UPDATE SET
		window_start = CASE
			WHEN b.blocked_until IS NOT NULL AND b.blocked_until > $3 THEN b.window_start
			WHEN $3 > b.window_start + $4::interval THEN $3
			ELSE b.window_start END,
		request_count = CASE
			WHEN b.blocked_until IS NOT NULL AND b.blocked_until > $3 THEN b.request_count
			WHEN $3 > b.window_start + $4::interval THEN 1
			ELSE b.request_count + 1 END,
		blocked_until = CASE
			WHEN b.blocked_until IS NOT NULL AND b.blocked_until > $3 THEN b.blocked_until
			WHEN $3 > b.window_start + $4::interval THEN NULL
			WHEN b.request_count + 1 > $5 THEN $3 + $6::interval
			ELSE NULL END,
		violation_count = b.violation_count + CASE
			WHEN (b.blocked_until IS NULL OR b.blocked_until <= $3)
				AND $3 <= b.window_start + $4::interval
				AND b.request_count + 1 > $5 THEN 1
			ELSE 0 END,
		total_blocked = b.total_blocked + CASE
			WHEN (b.blocked_until IS NOT NULL AND b.blocked_until > $3)
				OR ((b.blocked_until IS NULL OR b.blocked_until <= $3)
					AND $3 <= b.window_start + $4::interval
					AND b.request_count + 1 > $5) THEN 1
			ELSE 0 END,
		total_allowed = b.total_allowed + CASE
			WHEN (b.blocked_until IS NOT NULL AND b.blocked_until > $3)
				OR ((b.blocked_until IS NULL OR b.blocked_until <= $3)
					AND $3 <= b.window_start + $4::interval
					AND b.request_count + 1 > $5) THEN 0
			ELSE 1 END
	RETURNING request_count, blocked_until
`

// Check performs the atomic check-and-increment for one key.
func (s *Store) Check(ctx context.Context, clientID string, category ratelimit.Category) (ratelimit.Decision, error) {
	cfg, ok := s.configs[category]
	if !ok {
		cfg = ratelimit.DefaultConfigs()[ratelimit.CategoryAPI]
	}
	now := s.now().UTC()

	var count int
	var blockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, checkQuery,
		clientID,
		string(category),
		now,
		pgInterval(cfg.Window),
		cfg.Limit,
		pgInterval(cfg.Penalty),
	).Scan(&count, &blockedUntil)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("checking rate limit bucket: %w", err)
	}

	if blockedUntil.Valid && blockedUntil.Time.After(now) {
		return ratelimit.Decision{
			Allowed:    false,
			RetryAfter: blockedUntil.Time.Sub(now),
		}, nil
	}
	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Decision{Allowed: true, Remaining: remaining}, nil
}

// Snapshot returns the stored buckets ordered by client then category.
func (s *Store) Snapshot(ctx context.Context) ([]ratelimit.BucketSnapshot, error) {
	query, args, err := psq.Select(
		"client_id", "category", "window_start", "request_count",
		"blocked_until", "total_allowed", "total_blocked", "violation_count").
		From("rate_limit_buckets").
		OrderBy("client_id", "category").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building snapshot query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rate limit buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []ratelimit.BucketSnapshot
	for rows.Next() {
		var snap ratelimit.BucketSnapshot
		var category string
		var blockedUntil sql.NullTime
		if err := rows.Scan(
			&snap.ClientID, &category, &snap.WindowStart, &snap.RequestCount,
			&blockedUntil, &snap.TotalAllowed, &snap.TotalBlocked, &snap.ViolationCount,
		); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		snap.Category = ratelimit.Category(category)
		if blockedUntil.Valid {
			until := blockedUntil.Time
			snap.BlockedUntil = &until
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bucket rows: %w", err)
	}
	return snaps, nil
}

// Close implements ratelimit.Limiter. The DB handle is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// pgInterval renders a duration as a postgres interval literal.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// Verify interface compliance.
var _ ratelimit.Limiter = (*Store)(nil)
