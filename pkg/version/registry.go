package version

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/blob"
	"github.com/txn2/update-hub/pkg/pack"
	"github.com/txn2/update-hub/pkg/semver"
)

// ActivationListener is notified after a version becomes active. The
// connection hub implements this to broadcast update availability.
type ActivationListener interface {
	VersionActivated(v *Version)
}

// CheckResult answers an update-availability check.
type CheckResult struct {
	UpdateAvailable bool   `json:"updateAvailable"`
	Mandatory       bool   `json:"mandatory"`
	LatestVersion   string `json:"latestVersion,omitempty"`
}

// Registry orchestrates the version lifecycle: package validation, content
// storage, activation, rollback, and update checks.
type Registry struct {
	store     Store
	blobs     blob.Store
	validator *pack.Validator
	listener  ActivationListener
	logger    *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, blobs blob.Store, validator *pack.Validator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		blobs:     blobs,
		validator: validator,
		logger:    logger,
	}
}

// SetActivationListener registers the listener notified on activation.
func (r *Registry) SetActivationListener(l ActivationListener) {
	r.listener = l
}

// Publish validates the uploaded package, stores its content, and inserts a
// new inactive version record. When in.Activate is set, the version is
// activated immediately after the insert.
func (r *Registry) Publish(ctx context.Context, in PublishInput, fileName string, data []byte) (*Version, error) {
	pkg, err := r.validator.Validate(data, fileName)
	if err != nil {
		return nil, err
	}

	v, err := NewVersion(in, pkg)
	if err != nil {
		return nil, err
	}
	v.DownloadLocator = uuid.NewString()

	if _, err := r.blobs.Put(ctx, v.DownloadLocator, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("storing package content: %w", err)
	}

	if err := r.store.Insert(ctx, v); err != nil {
		// The metadata insert failed; don't strand the content.
		if derr := r.blobs.Delete(ctx, v.DownloadLocator); derr != nil {
			r.logger.Warn("removing orphaned package content failed",
				"locator", v.DownloadLocator, "error", derr)
		}
		return nil, err
	}

	r.logger.Info("version published",
		"version", v.VersionNumber,
		"channel", v.ReleaseChannel,
		"size", v.FileSize,
		"created_by", v.CreatedBy)

	if in.Activate {
		return r.Activate(ctx, v.VersionNumber, in.CreatedBy)
	}
	return v, nil
}

// Activate makes the target version the single active version.
func (r *Registry) Activate(ctx context.Context, number, initiator string) (*Version, error) {
	return r.activate(ctx, number, "", initiator)
}

// Rollback re-activates a previously published version, recorded as a
// rollback in history.
func (r *Registry) Rollback(ctx context.Context, number, initiator string) (*Version, error) {
	return r.activate(ctx, number, ActionRollback, initiator)
}

func (r *Registry) activate(ctx context.Context, number string, action HistoryAction, initiator string) (*Version, error) {
	start := time.Now()
	v, err := r.store.Activate(ctx, number, action, initiator)
	if err != nil {
		return nil, err
	}

	r.logger.Info("version activated",
		"version", v.VersionNumber,
		"rollback", action == ActionRollback,
		"initiator", initiator,
		"duration", time.Since(start))

	if r.listener != nil {
		r.listener.VersionActivated(v)
	}
	return v, nil
}

// Get returns a version by number.
func (r *Registry) Get(ctx context.Context, number string) (*Version, error) {
	v, err := r.store.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "version %s not found", number)
	}
	return v, nil
}

// List returns versions matching the filter plus the unpaginated total.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Version, int, error) {
	return r.store.List(ctx, f)
}

// Delete removes a version and its stored content. The active version
// cannot be deleted.
func (r *Registry) Delete(ctx context.Context, number string) error {
	v, err := r.store.GetByNumber(ctx, number)
	if err != nil {
		return err
	}
	if v == nil {
		return apperr.Newf(apperr.KindNotFound, "version %s not found", number)
	}

	if err := r.store.Delete(ctx, number); err != nil {
		return err
	}

	if err := r.blobs.Delete(ctx, v.DownloadLocator); err != nil {
		r.logger.Warn("removing package content for deleted version failed",
			"version", number, "locator", v.DownloadLocator, "error", err)
	}
	return nil
}

// Latest returns the currently active version.
func (r *Registry) Latest(ctx context.Context) (*Version, error) {
	v, err := r.store.CurrentActive(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperr.New(apperr.KindNotFound, "no active version")
	}
	return v, nil
}

// CheckUpdate reports whether the active version is newer than the client's
// current version. When no version is active there is no update.
func (r *Registry) CheckUpdate(ctx context.Context, currentVersion string) (*CheckResult, error) {
	if !semver.IsValid(currentVersion) {
		return nil, apperr.Newf(apperr.KindValidation,
			"current version %q is not a valid semantic version", currentVersion)
	}

	latest, err := r.store.CurrentActive(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return &CheckResult{}, nil
	}

	newer, err := semver.IsNewer(currentVersion, latest.VersionNumber)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "comparing versions", err)
	}
	if !newer {
		return &CheckResult{}, nil
	}
	return &CheckResult{
		UpdateAvailable: true,
		Mandatory:       latest.Mandatory,
		LatestVersion:   latest.VersionNumber,
	}, nil
}

// Verify compares a client-computed checksum against the stored digest and
// appends a VERIFY history record with the outcome.
func (r *Registry) Verify(ctx context.Context, number, checksum, clientID string) (bool, error) {
	v, err := r.Get(ctx, number)
	if err != nil {
		return false, err
	}

	match := v.Checksum == checksum
	rec := &HistoryRecord{
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		Action:        ActionVerify,
		Timestamp:     time.Now().UTC(),
		ClientID:      clientID,
		Success:       match,
	}
	if !match {
		rec.ErrorDetail = "checksum mismatch"
	}
	if err := r.store.AppendHistory(ctx, rec); err != nil {
		return match, err
	}
	return match, nil
}

// History returns history records for a version, most recent first.
func (r *Registry) History(ctx context.Context, number string, limit int) ([]*HistoryRecord, error) {
	return r.store.ListHistory(ctx, number, limit)
}
