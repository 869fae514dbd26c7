// Package postgres provides PostgreSQL storage for analytics events.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/update-hub/pkg/analytics"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// eventColumns lists columns returned by event SELECT queries.
var eventColumns = []string{
	"id", "timestamp", "type", "client_id", "version_number", "success",
	"error_detail", "duration_ms", "bytes_transferred", "throughput_bps",
	"resumed", "retry_count", "detail",
}

// Store implements analytics.Recorder using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL analytics store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL analytics store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{db: db, retentionDays: cfg.RetentionDays}
}

// Record persists one event.
func (s *Store) Record(ctx context.Context, event analytics.Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		detail = []byte("{}")
	}

	query := `
		INSERT INTO analytics_events
		(id, timestamp, type, client_id, version_number, success, error_detail, duration_ms, bytes_transferred, throughput_bps, resumed, retry_count, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		string(event.Type),
		event.ClientID,
		event.VersionNumber,
		event.Success,
		event.ErrorDetail,
		event.DurationMS,
		event.BytesTransferred,
		event.ThroughputBPS,
		event.Resumed,
		event.RetryCount,
		detail,
	)
	if err != nil {
		return fmt.Errorf("inserting analytics event: %w", err)
	}
	return nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter analytics.QueryFilter) sq.SelectBuilder {
	if filter.Type != "" {
		qb = qb.Where(sq.Eq{"type": string(filter.Type)})
	}
	if filter.ClientID != "" {
		qb = qb.Where(sq.Eq{"client_id": filter.ClientID})
	}
	if filter.VersionNumber != "" {
		qb = qb.Where(sq.Eq{"version_number": filter.VersionNumber})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	return qb
}

// Query retrieves events matching the filter, most recent first.
func (s *Store) Query(ctx context.Context, filter analytics.QueryFilter) ([]analytics.Event, error) {
	qb := applyFilter(psq.Select(eventColumns...).From("analytics_events"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building analytics query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying analytics events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit < allocCap {
		allocCap = filter.Limit
	}
	events := make([]analytics.Event, 0, allocCap)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating analytics rows: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (analytics.Event, error) {
	var event analytics.Event
	var eventType string
	var detail []byte

	err := rows.Scan(
		&event.ID,
		&event.Timestamp,
		&eventType,
		&event.ClientID,
		&event.VersionNumber,
		&event.Success,
		&event.ErrorDetail,
		&event.DurationMS,
		&event.BytesTransferred,
		&event.ThroughputBPS,
		&event.Resumed,
		&event.RetryCount,
		&detail,
	)
	if err != nil {
		return event, fmt.Errorf("scanning analytics row: %w", err)
	}

	event.Type = analytics.EventType(eventType)
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, &event.Detail)
	}
	return event, nil
}

// Cleanup removes events older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM analytics_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up analytics events: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// deletes old events. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
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
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ analytics.Recorder = (*Store)(nil)
