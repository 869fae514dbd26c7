package version

import "context"

// Store defines persistence for versions and their history.
type Store interface {
	// Insert persists a new version and assigns its ID. A duplicate version
	// number fails with a duplicate-version error.
	Insert(ctx context.Context, v *Version) error

	// GetByNumber retrieves a version. Returns nil, nil if not found.
	GetByNumber(ctx context.Context, number string) (*Version, error)

	// List returns versions matching the filter plus the unpaginated total.
	List(ctx context.Context, f Filter) ([]*Version, int, error)

	// Activate atomically deactivates every active version, activates the
	// target, and appends a history row, all in one transaction. The
	// post-condition is exactly one active version. Pass ActionRollback for
	// rollbacks; pass an empty action to record ActionUpdate, downgraded to
	// ActionInstall when nothing was previously active. A lost concurrent
	// activation fails with a concurrent-activation error.
	Activate(ctx context.Context, number string, action HistoryAction, initiator string) (*Version, error)

	// Delete removes a version. Deleting the active version is a conflict.
	Delete(ctx context.Context, number string) error

	// CurrentActive returns the active version, or nil, nil when none is.
	// If the exactly-one-active invariant is found violated it returns the
	// most recent by release date (ties broken by highest ID) and logs a
	// consistency fault.
	CurrentActive(ctx context.Context) (*Version, error)

	// AppendHistory appends an audit record. Records are immutable.
	AppendHistory(ctx context.Context, rec *HistoryRecord) error

	// ListHistory returns history for a version, most recent first.
	ListHistory(ctx context.Context, number string, limit int) ([]*HistoryRecord, error)

	// Close releases resources.
	Close() error
}
