package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/txn2/update-hub/pkg/apperr"
)

// FilesystemStore implements Store on a local directory. Locators are
// validated to stay inside the root directory.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at dir, creating it if needed.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

// path resolves a locator to an on-disk path, rejecting traversal.
func (s *FilesystemStore) path(locator string) (string, error) {
	if locator == "" || strings.Contains(locator, "..") || strings.ContainsAny(locator, `/\`) {
		return "", apperr.Newf(apperr.KindValidation, "invalid blob locator %q", locator)
	}
	return filepath.Join(s.root, locator), nil
}

// Put stores content under locator. The write goes to a temp file first so a
// failed upload never leaves a partial blob behind.
func (s *FilesystemStore) Put(_ context.Context, locator string, r io.Reader) (int64, error) {
	dst, err := s.path(locator)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("writing blob %s: %w", locator, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("publishing blob %s: %w", locator, err)
	}
	return n, nil
}

// Open returns a seekable reader on the stored content and its size.
func (s *FilesystemStore) Open(_ context.Context, locator string) (Reader, int64, error) {
	p, err := s.path(locator)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, apperr.Newf(apperr.KindNotFound, "package content %q not found", locator)
		}
		return nil, 0, fmt.Errorf("opening blob %s: %w", locator, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat blob %s: %w", locator, err)
	}
	return f, info.Size(), nil
}

// Delete removes the content; an absent locator is a no-op.
func (s *FilesystemStore) Delete(_ context.Context, locator string) error {
	p, err := s.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", locator, err)
	}
	return nil
}

// Close implements Store. The filesystem store holds no resources.
func (s *FilesystemStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*FilesystemStore)(nil)
