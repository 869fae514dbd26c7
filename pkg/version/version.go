// Package version manages the lifecycle of published software versions:
// publishing validated packages, the exactly-one-active activation and
// rollback invariant, update availability checks, and the append-only
// version history.
package version

import (
	"time"

	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/pack"
	"github.com/txn2/update-hub/pkg/semver"
)

// Version is a published software version. At most one Version is active at
// any instant, system-wide.
type Version struct {
	ID                   int64     `json:"id"`
	VersionNumber        string    `json:"version_number"`
	ReleaseDate          time.Time `json:"release_date"`
	Mandatory            bool      `json:"mandatory"`
	Active               bool      `json:"active"`
	ReleaseChannel       string    `json:"release_channel,omitempty"`
	FileName             string    `json:"file_name"`
	FileSize             int64     `json:"file_size"`
	Checksum             string    `json:"checksum"`
	DownloadLocator      string    `json:"-"`
	MinimumClientVersion string    `json:"minimum_client_version,omitempty"`
	CreatedBy            string    `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

// HistoryAction categorizes a version history record.
type HistoryAction string

const (
	// ActionInstall records the first activation when no version was active.
	ActionInstall HistoryAction = "INSTALL"

	// ActionUpdate records an activation replacing a previously active version.
	ActionUpdate HistoryAction = "UPDATE"

	// ActionRollback records an activation performed as a rollback.
	ActionRollback HistoryAction = "ROLLBACK"

	// ActionVerify records a client-side checksum verification.
	ActionVerify HistoryAction = "VERIFY"
)

// HistoryRecord is an append-only audit entry. Records are never mutated or
// deleted after creation.
type HistoryRecord struct {
	ID              string        `json:"id"`
	VersionID       int64         `json:"version_id"`
	VersionNumber   string        `json:"version_number"`
	Action          HistoryAction `json:"action"`
	Timestamp       time.Time     `json:"timestamp"`
	ClientID        string        `json:"client_id,omitempty"`
	Success         bool          `json:"success"`
	ErrorDetail     string        `json:"error_detail,omitempty"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	Initiator       string        `json:"initiator,omitempty"`
}

// PublishInput is the caller-supplied metadata for a new version.
type PublishInput struct {
	VersionNumber        string    `json:"version_number"`
	ReleaseDate          time.Time `json:"release_date"`
	Mandatory            bool      `json:"mandatory"`
	Activate             bool      `json:"activate"`
	ReleaseChannel       string    `json:"release_channel"`
	MinimumClientVersion string    `json:"minimum_client_version"`
	CreatedBy            string    `json:"created_by"`
}

// NewVersion builds a Version from publish metadata and a validated package.
// Invariants are enforced here at the boundary: the version number must be
// well-formed semver and the package checksum must be a bare 64-character
// lowercase hex digest. New versions are inactive; activation is a separate,
// transactional operation.
func NewVersion(in PublishInput, pkg *pack.ValidatedPackage) (*Version, error) {
	if !semver.IsValid(in.VersionNumber) {
		return nil, apperr.Newf(apperr.KindValidation,
			"version number %q is not a valid semantic version", in.VersionNumber)
	}
	if in.MinimumClientVersion != "" && !semver.IsValid(in.MinimumClientVersion) {
		return nil, apperr.Newf(apperr.KindValidation,
			"minimum client version %q is not a valid semantic version", in.MinimumClientVersion)
	}
	if pkg == nil {
		return nil, apperr.New(apperr.KindValidation, "a validated package is required")
	}
	if !pack.ChecksumHex(pkg.Checksum) {
		return nil, apperr.Newf(apperr.KindValidation,
			"checksum %q is not a 64-character lowercase hex digest", pkg.Checksum)
	}

	releaseDate := in.ReleaseDate
	if releaseDate.IsZero() {
		releaseDate = time.Now().UTC()
	}

	return &Version{
		VersionNumber:        in.VersionNumber,
		ReleaseDate:          releaseDate,
		Mandatory:            in.Mandatory,
		Active:               false,
		ReleaseChannel:       in.ReleaseChannel,
		FileName:             pkg.FileName,
		FileSize:             pkg.Size,
		Checksum:             pkg.Checksum,
		MinimumClientVersion: in.MinimumClientVersion,
		CreatedBy:            in.CreatedBy,
		CreatedAt:            time.Now().UTC(),
	}, nil
}

// Filter selects versions for listing.
type Filter struct {
	Active  *bool
	Channel string
	Page    int
	Size    int
}
