// Package hub maintains persistent client connections for live update
// notification. It owns the socket protocol, the in-process connection
// registry, and the durable session records that survive the connections
// themselves.
package hub

import (
	"context"
	"time"
)

// SessionRecord is the durable trace of one socket connection. The record
// outlives the connection so operators can see who was connected and when.
type SessionRecord struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	AppVersion     string     `json:"app_version,omitempty"`
	Platform       string     `json:"platform,omitempty"`
	RemoteAddr     string     `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Connected reports whether the record's connection is still open.
func (r *SessionRecord) Connected() bool {
	return r.DisconnectedAt == nil
}

// SessionStore defines persistence for session records.
type SessionStore interface {
	// Create persists a new record.
	Create(ctx context.Context, rec *SessionRecord) error

	// Touch updates LastSeenAt. Touching an unknown session is a no-op.
	Touch(ctx context.Context, id string) error

	// MarkDisconnected stamps DisconnectedAt. Idempotent; an already
	// disconnected record keeps its original timestamp.
	MarkDisconnected(ctx context.Context, id string) error

	// ListConnected returns records without a disconnect stamp.
	ListConnected(ctx context.Context) ([]*SessionRecord, error)

	// Cleanup removes disconnected records older than olderThan, returning
	// how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases resources.
	Close() error
}
