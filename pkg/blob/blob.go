// Package blob provides byte-addressable storage for update package content.
// It defines the Store interface consumed by the version registry and
// download coordinator. The filesystem implementation is the default; other
// backends (object stores) can implement the same interface.
package blob

import (
	"context"
	"io"
)

// Reader is a readable, seekable handle on stored package content. Seeking
// supports resumable downloads.
type Reader interface {
	io.ReadSeekCloser
}

// Store persists package content under opaque locators.
type Store interface {
	// Put stores content under locator, replacing any prior content.
	Put(ctx context.Context, locator string, r io.Reader) (int64, error)

	// Open returns a reader positioned at the start of the content and the
	// content's size in bytes.
	Open(ctx context.Context, locator string) (Reader, int64, error)

	// Delete removes the content. Deleting an absent locator is a no-op.
	Delete(ctx context.Context, locator string) error

	// Close releases resources.
	Close() error
}
