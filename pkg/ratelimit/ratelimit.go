// Package ratelimit provides per-client, per-endpoint-category admission
// control using fixed windows with a block penalty on violation. The
// in-memory limiter is the per-process default; the postgres store offers
// the same semantics against a shared database for multi-node deployments.
package ratelimit

import (
	"context"
	"time"
)

// Category identifies a group of endpoints sharing one budget per client.
type Category string

const (
	// CategoryDownload covers package download requests.
	CategoryDownload Category = "download"

	// CategoryConnect covers live-connection handshakes.
	CategoryConnect Category = "connect"

	// CategoryAPI covers general read endpoints.
	CategoryAPI Category = "api"

	// CategoryUpload covers package publication.
	CategoryUpload Category = "upload"
)

// CategoryConfig bounds one category's budget.
type CategoryConfig struct {
	// Limit is the number of requests allowed per window.
	Limit int `yaml:"limit"`

	// Window is the fixed accounting interval.
	Window time.Duration `yaml:"window"`

	// Penalty is how long a client stays blocked after exceeding the limit.
	Penalty time.Duration `yaml:"penalty"`
}

// DefaultConfigs returns the budgets used when none are configured.
func DefaultConfigs() map[Category]CategoryConfig {
	return map[Category]CategoryConfig{
		CategoryDownload: {Limit: 10, Window: time.Minute, Penalty: 5 * time.Minute},
		CategoryConnect:  {Limit: 5, Window: time.Minute, Penalty: 2 * time.Minute},
		CategoryAPI:      {Limit: 120, Window: time.Minute, Penalty: time.Minute},
		CategoryUpload:   {Limit: 5, Window: time.Minute, Penalty: 10 * time.Minute},
	}
}

// Decision is the outcome of an admission check. Denials are always
// explicit so callers can back off; RetryAfter is set when denied.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Limiter admits or denies a request for a (client, category) pair. The
// check-and-increment is atomic per key.
type Limiter interface {
	Check(ctx context.Context, clientID string, category Category) (Decision, error)
	Close() error
}

// BucketSnapshot is a read-only view of one bucket for the admin surface.
type BucketSnapshot struct {
	ClientID       string     `json:"client_id"`
	Category       Category   `json:"category"`
	WindowStart    time.Time  `json:"window_start"`
	RequestCount   int        `json:"request_count"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	TotalAllowed   int64      `json:"total_allowed"`
	TotalBlocked   int64      `json:"total_blocked"`
	ViolationCount int        `json:"violation_count"`
}
