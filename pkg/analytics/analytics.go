// Package analytics records download and administrative events for the
// update hub. It defines the Recorder interface plus a structured-log
// fallback; PostgreSQL persistence lives in the postgres sub-package.
package analytics

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"
)

// EventType categorizes analytics events.
type EventType string

const (
	// EventDownloadStarted marks the first byte of a transfer being served.
	EventDownloadStarted EventType = "download_started"

	// EventDownloadCompleted marks a transfer reaching its final byte.
	EventDownloadCompleted EventType = "download_completed"

	// EventDownloadFailed marks a transfer ending in an error or timing out.
	EventDownloadFailed EventType = "download_failed"

	// EventAdminAction marks a version lifecycle mutation.
	EventAdminAction EventType = "admin_action"
)

// Event is one recorded occurrence.
type Event struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	Type             EventType      `json:"type"`
	ClientID         string         `json:"client_id,omitempty"`
	VersionNumber    string         `json:"version_number,omitempty"`
	Success          bool           `json:"success"`
	ErrorDetail      string         `json:"error_detail,omitempty"`
	DurationMS       int64          `json:"duration_ms,omitempty"`
	BytesTransferred int64          `json:"bytes_transferred,omitempty"`
	ThroughputBPS    int64          `json:"throughput_bps,omitempty"`
	Resumed          bool           `json:"resumed,omitempty"`
	RetryCount       int            `json:"retry_count,omitempty"`
	Detail           map[string]any `json:"detail,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// WithClient attaches the client and version being served.
func (e *Event) WithClient(clientID, versionNumber string) *Event {
	e.ClientID = clientID
	e.VersionNumber = versionNumber
	return e
}

// WithTransfer attaches transfer measurements.
func (e *Event) WithTransfer(bytes, durationMS int64, resumed bool, retries int) *Event {
	e.BytesTransferred = bytes
	e.DurationMS = durationMS
	if durationMS > 0 {
		e.ThroughputBPS = bytes * 1000 / durationMS
	}
	e.Resumed = resumed
	e.RetryCount = retries
	return e
}

// WithResult attaches the outcome.
func (e *Event) WithResult(success bool, errDetail string) *Event {
	e.Success = success
	e.ErrorDetail = errDetail
	return e
}

func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// QueryFilter defines criteria for querying recorded events.
type QueryFilter struct {
	Type          EventType
	ClientID      string
	VersionNumber string
	StartTime     *time.Time
	EndTime       *time.Time
	Success       *bool
	Limit         int
	Offset        int
}

// Recorder records and queries analytics events.
type Recorder interface {
	// Record persists one event.
	Record(ctx context.Context, event Event) error

	// Query retrieves events matching the filter, most recent first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// SlogRecorder writes events to a structured logger. It is the recorder of
// last resort when database analytics are disabled; Query always returns
// empty.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder creates a log-only recorder.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogRecorder{logger: logger}
}

// Record logs the event.
func (r *SlogRecorder) Record(_ context.Context, event Event) error {
	r.logger.Info("analytics event",
		"type", string(event.Type),
		"client_id", event.ClientID,
		"version", event.VersionNumber,
		"success", event.Success,
		"bytes", event.BytesTransferred,
		"duration_ms", event.DurationMS,
		"resumed", event.Resumed)
	return nil
}

// Query implements Recorder; a log recorder retains nothing.
func (r *SlogRecorder) Query(context.Context, QueryFilter) ([]Event, error) {
	return nil, nil
}

// Close implements Recorder.
func (r *SlogRecorder) Close() error {
	return nil
}

// Verify interface compliance.
var _ Recorder = (*SlogRecorder)(nil)
